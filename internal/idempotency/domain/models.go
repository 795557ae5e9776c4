package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidKey     = errors.New("invalid_idempotency_key")
	ErrRecordNotFound = errors.New("delivery_not_found")
	ErrNotInFlight    = errors.New("delivery_not_in_flight")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record tracks one logical order, keyed by (Source, ExternalOrderID).
type Record struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Source          string         `json:"source" gorm:"type:text;not null;uniqueIndex:ux_order_deliveries_order"`
	ExternalOrderID string         `json:"external_order_id" gorm:"type:text;not null;uniqueIndex:ux_order_deliveries_order"`
	Status          Status         `json:"status" gorm:"type:text;not null;index"`
	Attempts        int            `json:"attempts" gorm:"not null"`
	Result          datatypes.JSON `json:"result,omitempty" gorm:"type:jsonb"`
	FailureReason   *string        `json:"failure_reason,omitempty" gorm:"type:text"`
	Retryable       bool           `json:"retryable" gorm:"not null"`
	Payload         datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	StartedAt       time.Time      `json:"started_at" gorm:"not null"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (Record) TableName() string { return "order_deliveries" }

// Result is what a completed order produced; replays return it verbatim.
type Result struct {
	PurchaseIDs []string `json:"purchase_ids"`
	TokenIDs    []uint64 `json:"token_ids"`
}

type Outcome int

const (
	OutcomeFresh Outcome = iota + 1
	OutcomeAlreadyCompleted
	OutcomeInFlight
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeAlreadyCompleted:
		return "already_completed"
	case OutcomeInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

type Begin struct {
	Outcome Outcome
	Result  *Result
	Attempt int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	Find(ctx context.Context, db *gorm.DB, source, externalOrderID string) (*Record, error)
	Reclaim(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, attempts int, payload datatypes.JSON, now time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, source, externalOrderID string, attempt int, result datatypes.JSON, now time.Time) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, source, externalOrderID string, attempt int, reason string, retryable bool, now time.Time) (bool, error)
	ListRetryable(ctx context.Context, db *gorm.DB, failedBefore, staleBefore time.Time, limit int) ([]Record, error)
}

type Service interface {
	// BeginOrReplay claims the order for processing. Exactly one concurrent
	// caller observes OutcomeFresh.
	BeginOrReplay(ctx context.Context, source, externalOrderID string, payload []byte) (Begin, error)
	// Complete and Fail only apply while attempt still owns the claim; a
	// reclaimed record rejects the stale owner with ErrNotInFlight.
	Complete(ctx context.Context, source, externalOrderID string, attempt int, result Result) error
	Fail(ctx context.Context, source, externalOrderID string, attempt int, reason string, retryable bool) error
	Get(ctx context.Context, source, externalOrderID string) (*Record, error)
	ListRetryable(ctx context.Context, limit int, olderThan time.Duration) ([]Record, error)
}
