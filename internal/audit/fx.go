package audit

import (
	"github.com/memberware/treasury/internal/audit/repository"
	"github.com/memberware/treasury/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
