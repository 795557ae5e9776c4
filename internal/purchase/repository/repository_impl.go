package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/purchase/domain"
	"gorm.io/gorm"
)

const purchaseColumns = `id, user_id, product_id, initiative_id, quantity, total, currency,
	source, external_order_id, sku, status, token_id, tx_ref, failure_reason,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, purchase *domain.Purchase) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO purchases (`+purchaseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_order_id, sku) DO NOTHING`,
		purchase.ID,
		purchase.UserID,
		purchase.ProductID,
		purchase.InitiativeID,
		purchase.Quantity,
		purchase.Total,
		purchase.Currency,
		purchase.Source,
		purchase.ExternalOrderID,
		purchase.SKU,
		purchase.Status,
		purchase.TokenID,
		purchase.TxRef,
		purchase.FailureReason,
		purchase.CreatedAt,
		purchase.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Purchase, error) {
	var item domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+`
		 FROM purchases
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

func (r *repo) FindByOrderSKU(ctx context.Context, db *gorm.DB, source, externalOrderID, sku string) (*domain.Purchase, error) {
	var item domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE source = ? AND external_order_id = ? AND sku = ?
		 LIMIT 1`,
		source,
		externalOrderID,
		sku,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, source, externalOrderID string) ([]domain.Purchase, error) {
	var items []domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE source = ? AND external_order_id = ?
		 ORDER BY sku ASC`,
		source,
		externalOrderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]domain.Purchase, error) {
	var items []domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetInitiative(ctx context.Context, db *gorm.DB, id, initiativeID snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET initiative_id = ?, updated_at = ?
		 WHERE id = ? AND initiative_id IS NULL`,
		initiativeID,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkMinted(ctx context.Context, db *gorm.DB, id snowflake.ID, tokenID uint64, txRef string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET status = ?, token_id = ?, tx_ref = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusMinted,
		tokenID,
		txRef,
		now,
		id,
		domain.StatusCreated,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailedByOrder(ctx context.Context, db *gorm.DB, source, externalOrderID, reason string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE source = ? AND external_order_id = ? AND status = ?`,
		domain.StatusFailed,
		reason,
		now,
		source,
		externalOrderID,
		domain.StatusCreated,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) MarkRevoked(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusRevoked,
		reason,
		now,
		id,
		domain.StatusMinted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
