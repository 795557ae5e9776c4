package registry

import (
	"context"

	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
	"go.uber.org/zap"
)

// LogSink records registry events in the service log and metrics.
type LogSink struct {
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewLogSink(log *zap.Logger, metrics *obsmetrics.Metrics) *LogSink {
	return &LogSink{log: log.Named("registry.events"), metrics: metrics}
}

func (s *LogSink) Emit(ctx context.Context, event domain.Event) {
	s.log.Info("registry event",
		zap.String("event_type", string(event.Type)),
		zap.Uint64("token_id", uint64(event.TokenID)),
		zap.String("purchase_id", event.PurchaseID),
		zap.String("initiative_id", event.InitiativeID),
		zap.Time("emitted_at", event.EmittedAt),
	)
	if s.metrics != nil && event.Type == domain.EventTokenMinted {
		s.metrics.RecordTokenMinted(ctx)
	}
}
