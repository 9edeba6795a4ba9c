package expense

import (
	"github.com/memberware/treasury/internal/expense/repository"
	"github.com/memberware/treasury/internal/expense/service"
	"go.uber.org/fx"
)

var Module = fx.Module("expense.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
