package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotificationNotFound = errors.New("notification_not_found")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)

type Type string

const (
	TypePurchaseConfirmed Type = "PURCHASE_CONFIRMED"
	TypeInitiativeUpdate  Type = "INITIATIVE_UPDATE"
)

// Notification is write-once apart from its read flag.
type Notification struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID   `json:"user_id" gorm:"not null;uniqueIndex:ux_notifications_dedupe;index"`
	Type      Type           `json:"type" gorm:"type:text;not null;uniqueIndex:ux_notifications_dedupe"`
	DedupeKey string         `json:"-" gorm:"type:text;not null;uniqueIndex:ux_notifications_dedupe"`
	Title     string         `json:"title" gorm:"type:text;not null"`
	Message   string         `json:"message" gorm:"type:text;not null"`
	Payload   datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Read      bool           `json:"read" gorm:"column:is_read;not null"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

// PurchaseNotice carries what the buyer is told about a minted purchase.
type PurchaseNotice struct {
	UserID          snowflake.ID
	Email           string
	PurchaseID      snowflake.ID
	TokenID         uint64
	TxRef           string
	InitiativeID    snowflake.ID
	InitiativeTitle string
}

type ListRequest struct {
	UserID     snowflake.ID
	UnreadOnly bool
	pagination.Pagination
}

type ListResponse struct {
	Notifications []Notification      `json:"notifications"`
	PageInfo      pagination.PageInfo `json:"page_info"`
	UnreadCount   int64               `json:"unread_count"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, notification *Notification) (bool, error)
	FindByDedupe(ctx context.Context, db *gorm.DB, userID snowflake.ID, notificationType Type, dedupeKey string) (*Notification, error)
	List(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID *snowflake.ID, unreadOnly bool, limit int) ([]*Notification, error)
	CountUnread(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error)
	MarkRead(ctx context.Context, db *gorm.DB, userID, id snowflake.ID, now time.Time) (bool, error)
	Exists(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (bool, error)
	MarkAllRead(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (int64, error)
}

type Service interface {
	// NotifyPurchase records one PURCHASE_CONFIRMED notification per purchase,
	// pushes it to the buyer's realtime topic and emails it. Realtime and
	// email failures are logged, not returned.
	NotifyPurchase(ctx context.Context, notice PurchaseNotice) (*Notification, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
	MarkRead(ctx context.Context, userID, id snowflake.ID) error
	MarkAllRead(ctx context.Context, userID snowflake.ID) (int64, error)
}
