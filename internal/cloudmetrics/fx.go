package cloudmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/impactledger/internal/config"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultPushInterval = time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, pusher Pusher) *SupplyMetrics {
		if pusher == nil {
			return nil
		}
		return New(pusher, cfg.AppName, cfg.AppVersion)
	}),
	fx.Invoke(startWorker),
)

func startWorker(lc fx.Lifecycle, cfg config.Config, m *SupplyMetrics, reg registrydomain.Registry, logger *zap.Logger) {
	if m == nil {
		return
	}
	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics push worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					pushOnce(ctx, m, reg, logger)
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func pushOnce(ctx context.Context, m *SupplyMetrics, reg registrydomain.Registry, logger *zap.Logger) {
	if err := m.Collect(ctx, reg); err != nil {
		logger.Warn("collect registry metrics", zap.Error(err))
	}
	if err := m.Push(ctx); err != nil {
		logger.Warn("push registry metrics", zap.Error(err))
	}
}
