package realtime

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("realtime",
	fx.Provide(newHub),
	fx.Provide(NewPublisher),
)

func newHub() *Hub {
	return NewHub(WithDropHandler(func(topic string) {
		obsmetrics.Pipeline().IncFanoutDropped(topic)
	}))
}

type PublisherParams struct {
	fx.In

	Lc    fx.Lifecycle
	Hub   *Hub
	Redis *redis.Client `optional:"true"`
	Log   *zap.Logger
}

// NewPublisher relays through redis when a client is configured and falls
// back to the in-process hub otherwise.
func NewPublisher(p PublisherParams) Publisher {
	if p.Redis == nil {
		return p.Hub
	}

	relay := NewRedisRelay(p.Hub, p.Redis, p.Log)
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := relay.Start(ctx); err != nil {
				p.Log.Warn("realtime relay unavailable; fanout stays local", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			relay.Stop()
			return nil
		},
	})
	return relay
}
