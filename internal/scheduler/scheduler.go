package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"github.com/smallbiznis/impactledger/internal/ratelimit"
	"github.com/smallbiznis/impactledger/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobRedrive     = "redrive_orders"
	redriveLockKey = "impactledger:scheduler:redrive"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Idempotency idempotencydomain.Service
	Pipeline    fulfillmentdomain.Pipeline
	Cfg         *config.FulfillmentConfigHolder `optional:"true"`
	Locker      *ratelimit.Locker               `optional:"true"`
}

// Scheduler periodically re-drives orders whose delivery failed with a
// retryable error or was abandoned mid-flight, so a provider that stops
// retrying does not strand a paid order.
type Scheduler struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	idempotency idempotencydomain.Service
	pipeline    fulfillmentdomain.Pipeline
	cfg         *config.FulfillmentConfigHolder
	locker      *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Idempotency == nil || p.Pipeline == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:       p.GenID,
		clock:       p.Clock,
		idempotency: p.Idempotency,
		pipeline:    p.Pipeline,
		cfg:         p.Cfg,
		locker:      p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)

	err := fn(ctx, run)
	obsmetrics.Pipeline().ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one scheduler tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	cfg := s.cfg.Get().Redrive
	if !cfg.Enabled {
		return nil
	}
	timeout := cfg.Interval
	if timeout <= 0 {
		timeout = time.Minute
	}
	return s.runJob(parent, jobRedrive, cfg.BatchSize, timeout, s.RedriveJob)
}

// RunForever ticks until ctx is cancelled, picking up interval changes from
// the reloadable config between ticks.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		if next := s.interval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	if interval := s.cfg.Get().Redrive.Interval; interval > 0 {
		return interval
	}
	return time.Minute
}

// RedriveJob replays retryable deliveries through the pipeline. When a
// redis lock is configured only one replica runs the sweep per interval;
// without it the idempotency claim still admits a single processor per order.
func (s *Scheduler) RedriveJob(ctx context.Context, run *jobRun) error {
	cfg := s.cfg.Get().Redrive
	metrics := obsmetrics.Pipeline()

	if s.locker.Enabled() {
		token, ok, err := s.locker.TryLock(ctx, redriveLockKey, cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.logger(ctx).Debug("redrive lock held elsewhere")
			metrics.IncRedrive("skipped_locked")
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), redriveLockKey, token); err != nil {
				s.logger(ctx).Warn("release redrive lock", zap.Error(err))
			}
		}()
	}

	records, err := s.idempotency.ListRetryable(ctx, cfg.BatchSize, cfg.MinAge)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		recordCtx := correlation.ContextWithCorrelationID(ctx, correlation.NewID())
		log := s.logger(recordCtx).With(
			zap.String("order_source", record.Source),
			zap.String("external_order_id", record.ExternalOrderID),
			zap.Int("attempts", record.Attempts),
		)

		var order ingestdomain.OrderEvent
		if len(record.Payload) == 0 {
			log.Error("redrive skipped: delivery has no stored payload", zap.Bool("alert", true))
			metrics.IncRedrive("no_payload")
			run.IncError()
			continue
		}
		if err := json.Unmarshal(record.Payload, &order); err != nil {
			log.Error("redrive skipped: stored payload unreadable", zap.Bool("alert", true), zap.Error(err))
			metrics.IncRedrive("bad_payload")
			run.IncError()
			continue
		}

		result, err := s.pipeline.ProcessOrder(recordCtx, order)
		if err != nil {
			log.Warn("redrive attempt failed",
				zap.String("class", fulfillmentdomain.Classify(err).String()),
				zap.Error(err),
			)
			metrics.IncRedrive("failed")
			run.IncError()
			continue
		}
		log.Info("order redriven", zap.String("outcome", string(result.Outcome)))
		metrics.IncRedrive(string(result.Outcome))
		run.AddProcessed(1)
	}
	return nil
}
