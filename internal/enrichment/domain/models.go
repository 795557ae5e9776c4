package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrUnknownKind     = errors.New("unknown_enrichment_kind")
	ErrInvalidPayload  = errors.New("invalid_enrichment_payload")
	ErrJobNotFound     = errors.New("enrichment_job_not_found")
	ErrRunnerNotActive = errors.New("enrichment_runner_not_active")
	ErrLeaseExpired    = errors.New("enrichment_lease_expired")
)

type Kind string

const (
	KindSummarizeUpdate Kind = "SUMMARIZE_UPDATE"
	KindExtractTags     Kind = "EXTRACT_TAGS"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Job is one unit of best-effort enrichment. Jobs never touch purchase or token state.
type Job struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Kind        Kind           `json:"kind" gorm:"type:text;not null"`
	Status      Status         `json:"status" gorm:"type:text;not null;index:ix_enrichment_jobs_due,priority:1"`
	Input       datatypes.JSON `json:"input" gorm:"type:jsonb;not null"`
	Output      datatypes.JSON `json:"output,omitempty" gorm:"type:jsonb"`
	Attempts    int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int            `json:"max_attempts" gorm:"not null;default:3"`
	NextRunAt   time.Time      `json:"next_run_at" gorm:"not null;index:ix_enrichment_jobs_due,priority:2"`
	LastError   *string        `json:"last_error,omitempty" gorm:"type:text"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"not null"`
}

func (Job) TableName() string { return "enrichment_jobs" }

type JobHandle struct {
	ID   snowflake.ID
	Kind Kind
}

// InitiativeUpdateInput is the input of both enrichment kinds.
type InitiativeUpdateInput struct {
	InitiativeID string `json:"initiative_id"`
	PurchaseID   string `json:"purchase_id,omitempty"`
	Text         string `json:"text"`
}

type SummaryOutput struct {
	Summary string `json:"summary"`
}

type TagsOutput struct {
	Tags []string `json:"tags"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	// ListDue returns PENDING jobs due at now and PROCESSING jobs whose
	// claim was last touched before leaseExpiredBefore.
	ListDue(ctx context.Context, db *gorm.DB, now, leaseExpiredBefore time.Time, limit int) ([]*Job, error)
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, attempts int, now time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, output datatypes.JSON, now time.Time) (bool, error)
	Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, nextRunAt, now time.Time) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, now time.Time) (bool, error)
}

// Processor turns a job input into its output for one kind.
type Processor interface {
	Kind() Kind
	Process(ctx context.Context, input json.RawMessage) (any, error)
}

type Queue interface {
	Enqueue(ctx context.Context, kind Kind, payload any) (JobHandle, error)
}

type Service interface {
	Queue
	Get(ctx context.Context, id snowflake.ID) (*Job, error)
	// RunDue claims and processes up to limit due jobs and returns how many were claimed.
	RunDue(ctx context.Context, limit int) (int, error)
}
