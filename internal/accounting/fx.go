package accounting

import (
	"github.com/memberware/treasury/internal/accounting/client"
	"github.com/memberware/treasury/internal/accounting/repository"
	"github.com/memberware/treasury/internal/accounting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting.service",
	fx.Provide(client.Provide),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
