package worker

import (
	"context"

	"github.com/memberware/treasury/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("jobs.worker",
	fx.Provide(New),
	fx.Invoke(Start),
)

// Start launches the run loop once the app is up and cancels it on
// shutdown. Deployments that only serve HTTP disable it via config.
func Start(lc fx.Lifecycle, cfg config.Config, w *Worker) {
	if !cfg.Worker.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
