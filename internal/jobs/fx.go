package jobs

import (
	"github.com/memberware/treasury/internal/jobs/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("jobs.queue",
	fx.Provide(queue.NewQueue),
)
