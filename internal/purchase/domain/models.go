package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	"gorm.io/gorm"
)

var (
	ErrNoPurchasableItems   = errors.New("no_purchasable_items")
	ErrNoEligibleInitiative = errors.New("no_eligible_initiative")
	ErrPurchaseNotFound     = errors.New("purchase_not_found")
	ErrInvalidTransition    = errors.New("invalid_purchase_transition")
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusMinted  Status = "MINTED"
	StatusFailed  Status = "FAILED"
	StatusRevoked Status = "REVOKED"
)

// Purchase is one SKU group of one order. Rows are never deleted, only
// status-transitioned.
type Purchase struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID          snowflake.ID    `json:"user_id" gorm:"not null;index"`
	ProductID       snowflake.ID    `json:"product_id" gorm:"not null"`
	InitiativeID    *snowflake.ID   `json:"initiative_id,omitempty" gorm:"index"`
	Quantity        int             `json:"quantity" gorm:"not null"`
	Total           decimal.Decimal `json:"total" gorm:"type:numeric(20,4);not null"`
	Currency        string          `json:"currency,omitempty" gorm:"type:text"`
	Source          string          `json:"source" gorm:"type:text;not null;uniqueIndex:ux_purchases_order_sku"`
	ExternalOrderID string          `json:"external_order_id" gorm:"type:text;not null;uniqueIndex:ux_purchases_order_sku"`
	SKU             string          `json:"sku" gorm:"column:sku;type:text;not null;uniqueIndex:ux_purchases_order_sku"`
	Status          Status          `json:"status" gorm:"type:text;not null"`
	TokenID         *uint64         `json:"token_id,omitempty"`
	TxRef           *string         `json:"tx_ref,omitempty" gorm:"type:text"`
	FailureReason   *string         `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, purchase *Purchase) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Purchase, error)
	FindByOrderSKU(ctx context.Context, db *gorm.DB, source, externalOrderID, sku string) (*Purchase, error)
	ListByOrder(ctx context.Context, db *gorm.DB, source, externalOrderID string) ([]Purchase, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]Purchase, error)
	SetInitiative(ctx context.Context, db *gorm.DB, id, initiativeID snowflake.ID, now time.Time) (bool, error)
	MarkMinted(ctx context.Context, db *gorm.DB, id snowflake.ID, tokenID uint64, txRef string, now time.Time) (bool, error)
	MarkFailedByOrder(ctx context.Context, db *gorm.DB, source, externalOrderID, reason string, now time.Time) (int64, error)
	MarkRevoked(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error)
}

// Policy picks one initiative among eligible candidates.
type Policy interface {
	Name() string
	Choose(purchase Purchase, candidates []catalogdomain.Initiative) (catalogdomain.Initiative, error)
}

type Service interface {
	// Record turns an order into purchases, one per SKU group. Recording the
	// same order again returns the existing rows.
	Record(ctx context.Context, order ingestdomain.OrderEvent) ([]Purchase, error)
	// AssignInitiative returns the purchase's initiative, choosing and
	// persisting one if none is set yet.
	AssignInitiative(ctx context.Context, purchase *Purchase) (*catalogdomain.Initiative, error)
	MarkMinted(ctx context.Context, id snowflake.ID, tokenID uint64, txRef string) (*Purchase, error)
	MarkFailed(ctx context.Context, source, externalOrderID, reason string) (int64, error)
	MarkRevoked(ctx context.Context, id snowflake.ID, reason string) (*Purchase, error)
	Get(ctx context.Context, id snowflake.ID) (*Purchase, error)
	ListByOrder(ctx context.Context, source, externalOrderID string) ([]Purchase, error)
	ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]Purchase, error)
}
