package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxBackoff = 10 * time.Minute

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Cfg        *config.FulfillmentConfigHolder `optional:"true"`
	Processors []domain.Processor              `group:"enrichment_processors"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	cfg        *config.FulfillmentConfigHolder
	processors map[domain.Kind]domain.Processor
}

func New(p Params) domain.Service {
	processors := make(map[domain.Kind]domain.Processor, len(p.Processors))
	for _, proc := range p.Processors {
		if proc == nil {
			continue
		}
		processors[proc.Kind()] = proc
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("enrichment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		cfg:        p.Cfg,
		processors: processors,
	}
}

func (s *Service) Enqueue(ctx context.Context, kind domain.Kind, payload any) (domain.JobHandle, error) {
	if _, ok := s.processors[kind]; !ok {
		return domain.JobHandle{}, domain.ErrUnknownKind
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	cfg := s.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.QueueSubmit)
	defer cancel()

	now := s.clock.Now()
	job := &domain.Job{
		ID:          s.genID.Generate(),
		Kind:        kind,
		Status:      domain.StatusPending,
		Input:       datatypes.JSON(input),
		MaxAttempts: cfg.Enrichment.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		return domain.JobHandle{}, err
	}
	obsmetrics.Pipeline().IncEnrichmentJob(string(kind), string(domain.StatusPending))
	return domain.JobHandle{ID: job.ID, Kind: kind}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Job, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) RunDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.Get().Enrichment.BatchSize
	}
	now := s.clock.Now()
	jobs, err := s.repo.ListDue(ctx, s.db, now, now.Add(-s.cfg.Get().Enrichment.ProcessingLease), limit)
	if err != nil {
		return 0, err
	}

	claimed := 0
	var runErr error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		if job.Status == domain.StatusProcessing && job.Attempts >= s.maxAttempts(job) {
			// The last allowed attempt never reported back.
			if err := s.fail(ctx, job, domain.ErrLeaseExpired, s.log.With(zap.String("job_id", job.ID.String()))); err != nil {
				runErr = errors.Join(runErr, err)
			}
			continue
		}
		ok, err := s.repo.Claim(ctx, s.db, job.ID, job.Status, job.Attempts, s.clock.Now())
		if err != nil {
			runErr = errors.Join(runErr, err)
			continue
		}
		if !ok {
			continue
		}
		claimed++
		job.Attempts++
		job.Status = domain.StatusProcessing
		if err := s.process(ctx, job); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return claimed, runErr
}

func (s *Service) process(ctx context.Context, job *domain.Job) error {
	start := s.clock.Now()
	log := s.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempts),
	)
	defer func() {
		obsmetrics.Pipeline().ObserveJobDuration("enrichment", s.clock.Now().Sub(start))
	}()

	proc, ok := s.processors[job.Kind]
	if !ok {
		return s.fail(ctx, job, domain.ErrUnknownKind, log)
	}

	output, procErr := proc.Process(ctx, json.RawMessage(job.Input))
	if procErr == nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return s.fail(ctx, job, err, log)
		}
		writeCtx, cancel := s.outcomeContext(ctx)
		defer cancel()
		if _, err := s.repo.Complete(writeCtx, s.db, job.ID, job.Attempts, datatypes.JSON(raw), s.clock.Now()); err != nil {
			return err
		}
		obsmetrics.Pipeline().IncEnrichmentJob(string(job.Kind), string(domain.StatusCompleted))
		log.Debug("enrichment job completed")
		return nil
	}

	if errors.Is(procErr, domain.ErrInvalidPayload) || job.Attempts >= s.maxAttempts(job) {
		return s.fail(ctx, job, procErr, log)
	}

	next := s.clock.Now().Add(Backoff(s.cfg.Get().Enrichment.BackoffBase, job.Attempts))
	writeCtx, cancel := s.outcomeContext(ctx)
	defer cancel()
	if _, err := s.repo.Reschedule(writeCtx, s.db, job.ID, job.Attempts, procErr.Error(), next, s.clock.Now()); err != nil {
		return err
	}
	obsmetrics.Pipeline().IncEnrichmentJob(string(job.Kind), "retry")
	log.Info("enrichment job scheduled for retry", zap.Error(procErr), zap.Time("next_run_at", next))
	return nil
}

func (s *Service) fail(ctx context.Context, job *domain.Job, cause error, log *zap.Logger) error {
	writeCtx, cancel := s.outcomeContext(ctx)
	defer cancel()
	if _, err := s.repo.Fail(writeCtx, s.db, job.ID, job.Attempts, cause.Error(), s.clock.Now()); err != nil {
		return err
	}
	obsmetrics.Pipeline().IncEnrichmentJob(string(job.Kind), string(domain.StatusFailed))
	log.Warn("enrichment job failed", zap.Error(cause))
	return nil
}

// outcomeContext outlives a cancelled run so a processed job still records
// its result during shutdown.
func (s *Service) outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Get().StoreCall)
}

func (s *Service) maxAttempts(job *domain.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return s.cfg.Get().Enrichment.MaxAttempts
}

// Backoff returns base doubled once per attempt already made, capped at ten minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
