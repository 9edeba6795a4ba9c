package metricspush

import (
	"context"
	"time"

	"github.com/memberware/treasury/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metricspush",
	fx.Provide(NewPusher),
	fx.Invoke(runPushLoop),
)

func runPushLoop(lc fx.Lifecycle, cfg config.Config, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics push loop", zap.Duration("interval", interval))
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
					logger.Error("initial metrics push failed", zap.Error(err))
				}

				for {
					select {
					case <-ticker.C:
						if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
							logger.Error("periodic metrics push failed", zap.Error(err))
						}
					case <-ctx.Done():
						logger.Info("stopping metrics push loop")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
