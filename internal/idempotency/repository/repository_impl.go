package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const recordColumns = `id, source, external_order_id, status, attempts, result, failure_reason,
	retryable, payload, started_at, completed_at, failed_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO order_deliveries (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_order_id) DO NOTHING`,
		record.ID,
		record.Source,
		record.ExternalOrderID,
		record.Status,
		record.Attempts,
		record.Result,
		record.FailureReason,
		record.Retryable,
		record.Payload,
		record.StartedAt,
		record.CompletedAt,
		record.FailedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, source, externalOrderID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM order_deliveries
		 WHERE source = ? AND external_order_id = ?
		 LIMIT 1`,
		source,
		externalOrderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Reclaim moves a FAILED or abandoned PENDING record back to PENDING. The
// attempts column acts as the compare-and-set version.
func (r *repo) Reclaim(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.Status, attempts int, payload datatypes.JSON, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_deliveries
		 SET status = ?, attempts = attempts + 1, started_at = ?, payload = ?,
			failure_reason = NULL, retryable = ?, failed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.StatusPending,
		now,
		payload,
		false,
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

func (r *repo) Complete(ctx context.Context, db *gorm.DB, source, externalOrderID string, attempt int, result datatypes.JSON, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_deliveries
		 SET status = ?, result = ?, completed_at = ?, updated_at = ?
		 WHERE source = ? AND external_order_id = ? AND status = ? AND attempts = ?`,
		domain.StatusCompleted,
		result,
		now,
		now,
		source,
		externalOrderID,
		domain.StatusPending,
		attempt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, source, externalOrderID string, attempt int, reason string, retryable bool, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_deliveries
		 SET status = ?, failure_reason = ?, retryable = ?, failed_at = ?, updated_at = ?
		 WHERE source = ? AND external_order_id = ? AND status = ? AND attempts = ?`,
		domain.StatusFailed,
		reason,
		retryable,
		now,
		now,
		source,
		externalOrderID,
		domain.StatusPending,
		attempt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, failedBefore, staleBefore time.Time, limit int) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM order_deliveries
		 WHERE (status = ? AND retryable = ? AND failed_at < ?)
			OR (status = ? AND started_at < ?)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusFailed,
		true,
		failedBefore,
		domain.StatusPending,
		staleBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
