package ledger

import (
	"github.com/memberware/treasury/internal/ledger/repository"
	"github.com/memberware/treasury/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
