package webhook

import (
	"github.com/memberware/treasury/internal/webhook/adapters"
	"github.com/memberware/treasury/internal/webhook/adapters/stripe"
	"github.com/memberware/treasury/internal/webhook/repository"
	"github.com/memberware/treasury/internal/webhook/service"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.Factory{},
	)
}

var Module = fx.Module("webhook.service",
	fx.Provide(newRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
