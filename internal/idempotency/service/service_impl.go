package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Cfg   *config.FulfillmentConfigHolder `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	cfg   *config.FulfillmentConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("idempotency.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cfg:   p.Cfg,
	}
}

func normalizeKey(source, externalOrderID string) (string, string, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	externalOrderID = strings.TrimSpace(externalOrderID)
	if source == "" || externalOrderID == "" {
		return "", "", domain.ErrInvalidKey
	}
	return source, externalOrderID, nil
}

func (s *Service) BeginOrReplay(ctx context.Context, source, externalOrderID string, payload []byte) (domain.Begin, error) {
	source, externalOrderID, err := normalizeKey(source, externalOrderID)
	if err != nil {
		return domain.Begin{}, err
	}

	now := s.clock.Now()
	record := domain.Record{
		ID:              s.genID.Generate(),
		Source:          source,
		ExternalOrderID: externalOrderID,
		Status:          domain.StatusPending,
		Attempts:        1,
		Payload:         jsonOrNil(payload),
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return domain.Begin{}, err
	}
	if inserted {
		return domain.Begin{Outcome: domain.OutcomeFresh, Attempt: 1}, nil
	}

	existing, err := s.repo.Find(ctx, s.db, source, externalOrderID)
	if err != nil {
		return domain.Begin{}, err
	}
	if existing == nil {
		return domain.Begin{}, domain.ErrRecordNotFound
	}

	switch existing.Status {
	case domain.StatusCompleted:
		var result domain.Result
		if len(existing.Result) > 0 {
			if err := json.Unmarshal(existing.Result, &result); err != nil {
				return domain.Begin{}, fmt.Errorf("decode delivery result: %w", err)
			}
		}
		return domain.Begin{Outcome: domain.OutcomeAlreadyCompleted, Result: &result, Attempt: existing.Attempts}, nil

	case domain.StatusFailed:
		return s.reclaim(ctx, existing, payload, now)

	case domain.StatusPending:
		budget := s.cfg.Get().PipelineBudget
		if existing.StartedAt.Before(now.Add(-budget)) {
			s.log.Warn("reclaiming abandoned delivery",
				zap.String("order_source", source),
				zap.String("external_order_id", externalOrderID),
				zap.Time("started_at", existing.StartedAt),
			)
			return s.reclaim(ctx, existing, payload, now)
		}
		return domain.Begin{Outcome: domain.OutcomeInFlight, Attempt: existing.Attempts}, nil

	default:
		return domain.Begin{}, fmt.Errorf("unknown delivery status %q", existing.Status)
	}
}

func (s *Service) reclaim(ctx context.Context, existing *domain.Record, payload []byte, now time.Time) (domain.Begin, error) {
	stored := jsonOrNil(payload)
	if stored == nil {
		stored = existing.Payload
	}
	claimed, err := s.repo.Reclaim(ctx, s.db, existing.ID, existing.Status, existing.Attempts, stored, now)
	if err != nil {
		return domain.Begin{}, err
	}
	if !claimed {
		return domain.Begin{Outcome: domain.OutcomeInFlight, Attempt: existing.Attempts}, nil
	}
	return domain.Begin{Outcome: domain.OutcomeFresh, Attempt: existing.Attempts + 1}, nil
}

func (s *Service) Complete(ctx context.Context, source, externalOrderID string, attempt int, result domain.Result) error {
	source, externalOrderID, err := normalizeKey(source, externalOrderID)
	if err != nil {
		return err
	}
	if result.PurchaseIDs == nil {
		result.PurchaseIDs = []string{}
	}
	if result.TokenIDs == nil {
		result.TokenIDs = []uint64{}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	updated, err := s.repo.Complete(ctx, s.db, source, externalOrderID, attempt, datatypes.JSON(encoded), s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrNotInFlight
	}
	return nil
}

func (s *Service) Fail(ctx context.Context, source, externalOrderID string, attempt int, reason string, retryable bool) error {
	source, externalOrderID, err := normalizeKey(source, externalOrderID)
	if err != nil {
		return err
	}
	updated, err := s.repo.Fail(ctx, s.db, source, externalOrderID, attempt, reason, retryable, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrNotInFlight
	}
	return nil
}

func (s *Service) Get(ctx context.Context, source, externalOrderID string) (*domain.Record, error) {
	source, externalOrderID, err := normalizeKey(source, externalOrderID)
	if err != nil {
		return nil, err
	}
	record, err := s.repo.Find(ctx, s.db, source, externalOrderID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

// ListRetryable returns failed-retryable deliveries older than olderThan and
// pending deliveries abandoned past the pipeline budget.
func (s *Service) ListRetryable(ctx context.Context, limit int, olderThan time.Duration) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 25
	}
	now := s.clock.Now()
	return s.repo.ListRetryable(ctx, s.db, now.Add(-olderThan), now.Add(-s.cfg.Get().PipelineBudget), limit)
}

func jsonOrNil(payload []byte) datatypes.JSON {
	if len(payload) == 0 {
		return nil
	}
	return datatypes.JSON(payload)
}
