package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO enrichment_jobs (id, kind, status, input, attempts, max_attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Kind,
		job.Status,
		job.Input,
		job.Attempts,
		job.MaxAttempts,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var item domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, status, input, output, attempts, max_attempts, next_run_at, last_error,
		        completed_at, created_at, updated_at
		 FROM enrichment_jobs
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now, leaseExpiredBefore time.Time, limit int) ([]*domain.Job, error) {
	var items []*domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, status, input, output, attempts, max_attempts, next_run_at, last_error,
		        completed_at, created_at, updated_at
		 FROM enrichment_jobs
		 WHERE (status = ? AND next_run_at <= ?)
			OR (status = ? AND updated_at < ?)
		 ORDER BY next_run_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		now,
		domain.StatusProcessing,
		leaseExpiredBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Claim moves a PENDING or lease-expired PROCESSING job to PROCESSING.
// attempts is the value the caller observed; a concurrent claimer bumps it
// first and this call affects nothing.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.Status, attempts int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE enrichment_jobs
		 SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.StatusProcessing,
		now,
		id,
		from,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, output datatypes.JSON, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE enrichment_jobs
		 SET status = ?, output = ?, last_error = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.StatusCompleted,
		output,
		now,
		now,
		id,
		domain.StatusProcessing,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, nextRunAt, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE enrichment_jobs
		 SET status = ?, last_error = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.StatusPending,
		lastError,
		nextRunAt,
		now,
		id,
		domain.StatusProcessing,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE enrichment_jobs
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.StatusFailed,
		lastError,
		now,
		id,
		domain.StatusProcessing,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
