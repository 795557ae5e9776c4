package enrichment

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner polls for due enrichment jobs with a fixed pool of workers.
// Workers race on the same rows; the claim CAS lets exactly one of them run a job.
type Runner struct {
	svc domain.Service
	cfg *config.FulfillmentConfigHolder
	log *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RunnerParams struct {
	fx.In

	Svc domain.Service
	Log *zap.Logger
	Cfg *config.FulfillmentConfigHolder `optional:"true"`
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		svc: p.Svc,
		cfg: p.Cfg,
		log: p.Log.Named("enrichment.runner"),
	}
}

func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	workers := r.cfg.Get().Enrichment.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func(worker int) {
			defer r.wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
	r.log.Info("enrichment runner started", zap.Int("workers", workers))
}

func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, worker int) {
	for {
		cfg := r.cfg.Get().Enrichment
		claimed, err := r.svc.RunDue(ctx, cfg.BatchSize)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("enrichment batch failed", zap.Int("worker", worker), zap.Error(err))
		}
		if claimed > 0 {
			continue
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
