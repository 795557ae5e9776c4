package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrInvalidSKU        = errors.New("invalid_sku")
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidTitle      = errors.New("invalid_title")
	ErrInvalidStatus     = errors.New("invalid_initiative_status")
	ErrInitiativeMissing = errors.New("initiative_not_found")
	ErrUserMissing       = errors.New("user_not_found")
)

type InitiativeStatus string

const (
	InitiativePlanned    InitiativeStatus = "PLANNED"
	InitiativeInProgress InitiativeStatus = "IN_PROGRESS"
	InitiativeCompleted  InitiativeStatus = "COMPLETED"
	InitiativeCancelled  InitiativeStatus = "CANCELLED"
)

func (s InitiativeStatus) Valid() bool {
	switch s {
	case InitiativePlanned, InitiativeInProgress, InitiativeCompleted, InitiativeCancelled:
		return true
	default:
		return false
	}
}

type User struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	Email           string       `json:"email" gorm:"type:text;not null"`
	EmailNormalized string       `json:"-" gorm:"type:text;not null;uniqueIndex:ux_users_email_normalized"`
	Name            string       `json:"name" gorm:"type:text"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }

type Product struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	SKU       string          `json:"sku" gorm:"column:sku;type:text;not null;uniqueIndex:ux_products_sku"`
	Title     string          `json:"title" gorm:"type:text;not null"`
	Price     decimal.Decimal `json:"price" gorm:"type:numeric(20,4);not null"`
	Active    bool            `json:"active" gorm:"not null"`
	CreatedAt time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"not null"`
}

func (Product) TableName() string { return "products" }

type Initiative struct {
	ID          snowflake.ID     `json:"id" gorm:"primaryKey"`
	Slug        string           `json:"slug" gorm:"type:text;not null;uniqueIndex:ux_initiatives_slug"`
	Title       string           `json:"title" gorm:"type:text;not null"`
	Description string           `json:"description" gorm:"type:text"`
	Region      string           `json:"region" gorm:"type:text"`
	Status      InitiativeStatus `json:"status" gorm:"type:text;not null;index"`
	CreatedAt   time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time        `json:"updated_at" gorm:"not null"`
}

func (Initiative) TableName() string { return "initiatives" }

type Repository interface {
	InsertUser(ctx context.Context, db *gorm.DB, user *User) (bool, error)
	FindUserByEmail(ctx context.Context, db *gorm.DB, emailNormalized string) (*User, error)
	FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)

	InsertProduct(ctx context.Context, db *gorm.DB, product *Product) (bool, error)
	ListProductsBySKU(ctx context.Context, db *gorm.DB, skus []string) ([]Product, error)

	InsertInitiative(ctx context.Context, db *gorm.DB, initiative *Initiative) (bool, error)
	FindInitiativeByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Initiative, error)
	ListInitiativesByStatus(ctx context.Context, db *gorm.DB, status InitiativeStatus) ([]Initiative, error)
	UpdateInitiativeStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status InitiativeStatus, now time.Time) (bool, error)
}

type CreateProductRequest struct {
	SKU   string          `json:"sku"`
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
}

type CreateInitiativeRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Region      string           `json:"region"`
	Status      InitiativeStatus `json:"status"`
}

type Service interface {
	// EnsureUser resolves a user by case-insensitive email, creating it if absent.
	EnsureUser(ctx context.Context, email, name string) (*User, error)
	GetUser(ctx context.Context, id snowflake.ID) (*User, error)
	// ProductsBySKU returns active products keyed by SKU; unknown SKUs are absent.
	ProductsBySKU(ctx context.Context, skus []string) (map[string]Product, error)
	CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error)
	CreateInitiative(ctx context.Context, req CreateInitiativeRequest) (*Initiative, error)
	GetInitiative(ctx context.Context, id snowflake.ID) (*Initiative, error)
	EligibleInitiatives(ctx context.Context) ([]Initiative, error)
	SetInitiativeStatus(ctx context.Context, id snowflake.ID, status InitiativeStatus) error
}
