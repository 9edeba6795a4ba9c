package reprocess

import (
	"github.com/memberware/treasury/internal/reprocess/repository"
	"github.com/memberware/treasury/internal/reprocess/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reprocess.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
