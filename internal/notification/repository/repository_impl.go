package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/notification/domain"
	"gorm.io/gorm"
)

const notificationColumns = `id, user_id, type, dedupe_key, title, message, payload, is_read, read_at, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, n *domain.Notification) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, type, dedupe_key) DO NOTHING`,
		n.ID,
		n.UserID,
		n.Type,
		n.DedupeKey,
		n.Title,
		n.Message,
		n.Payload,
		n.Read,
		n.ReadAt,
		n.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByDedupe(ctx context.Context, db *gorm.DB, userID snowflake.ID, notificationType domain.Type, dedupeKey string) (*domain.Notification, error) {
	var item domain.Notification
	err := db.WithContext(ctx).Raw(
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE user_id = ? AND type = ? AND dedupe_key = ?
		 LIMIT 1`,
		userID,
		notificationType,
		dedupeKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID *snowflake.ID, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	query := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("user_id = ?", userID)
	if beforeID != nil {
		query = query.Where("id < ?", *beforeID)
	}
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var items []*domain.Notification
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountUnread(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, userID, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET is_read = ?, read_at = ?
		 WHERE id = ? AND user_id = ? AND is_read = ?`,
		true,
		now,
		id,
		userID,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) MarkAllRead(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET is_read = ?, read_at = ?
		 WHERE user_id = ? AND is_read = ?`,
		true,
		now,
		userID,
		false,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
