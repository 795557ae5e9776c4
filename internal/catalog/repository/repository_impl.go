package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertUser(ctx context.Context, db *gorm.DB, user *domain.User) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, email_normalized, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email_normalized) DO NOTHING`,
		user.ID,
		user.Email,
		user.EmailNormalized,
		user.Name,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindUserByEmail(ctx context.Context, db *gorm.DB, emailNormalized string) (*domain.User, error) {
	var item domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, email_normalized, name, created_at, updated_at
		 FROM users
		 WHERE email_normalized = ?
		 LIMIT 1`,
		emailNormalized,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var item domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, email_normalized, name, created_at, updated_at
		 FROM users
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

func (r *repo) InsertProduct(ctx context.Context, db *gorm.DB, product *domain.Product) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO products (id, sku, title, price, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (sku) DO NOTHING`,
		product.ID,
		product.SKU,
		product.Title,
		product.Price,
		product.Active,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListProductsBySKU(ctx context.Context, db *gorm.DB, skus []string) ([]domain.Product, error) {
	if len(skus) == 0 {
		return nil, nil
	}
	var items []domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT id, sku, title, price, active, created_at, updated_at
		 FROM products
		 WHERE sku IN ? AND active = ?`,
		skus,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertInitiative(ctx context.Context, db *gorm.DB, initiative *domain.Initiative) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO initiatives (id, slug, title, description, region, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO NOTHING`,
		initiative.ID,
		initiative.Slug,
		initiative.Title,
		initiative.Description,
		initiative.Region,
		initiative.Status,
		initiative.CreatedAt,
		initiative.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindInitiativeByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Initiative, error) {
	var item domain.Initiative
	err := db.WithContext(ctx).Raw(
		`SELECT id, slug, title, description, region, status, created_at, updated_at
		 FROM initiatives
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

func (r *repo) ListInitiativesByStatus(ctx context.Context, db *gorm.DB, status domain.InitiativeStatus) ([]domain.Initiative, error) {
	var items []domain.Initiative
	err := db.WithContext(ctx).Raw(
		`SELECT id, slug, title, description, region, status, created_at, updated_at
		 FROM initiatives
		 WHERE status = ?
		 ORDER BY id ASC`,
		status,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateInitiativeStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.InitiativeStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE initiatives SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
