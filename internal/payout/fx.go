package payout

import (
	"github.com/memberware/treasury/internal/payout/gateway/stripegw"
	"github.com/memberware/treasury/internal/payout/repository"
	"github.com/memberware/treasury/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(stripegw.NewGateway),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
