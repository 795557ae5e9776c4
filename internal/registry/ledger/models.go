package ledger

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TokenRow struct {
	TokenID       uint64     `gorm:"column:token_id;primaryKey;autoIncrement:false"`
	PurchaseID    string     `gorm:"type:text;not null;uniqueIndex:ux_registry_tokens_purchase"`
	InitiativeID  string     `gorm:"type:text;not null;index"`
	CustomerEmail string     `gorm:"type:text;not null"`
	MintedAt      time.Time  `gorm:"not null"`
	Active        bool       `gorm:"not null"`
	DeactivatedAt *time.Time `gorm:"column:deactivated_at"`
}

func (TokenRow) TableName() string { return "registry_tokens" }

// StateRow is the single registry state row (id = 1).
type StateRow struct {
	ID          int    `gorm:"primaryKey;autoIncrement:false"`
	Operator    string `gorm:"type:text;not null"`
	Paused      bool   `gorm:"not null"`
	LastTokenID uint64 `gorm:"not null"`
	UpdatedAt   time.Time
}

func (StateRow) TableName() string { return "registry_state" }

type EventRow struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	EventType string         `gorm:"type:text;not null"`
	TokenID   uint64         `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	EmittedAt time.Time      `gorm:"not null"`
}

func (EventRow) TableName() string { return "registry_events" }

// Models lists the tables owned by the ledger adapter.
func Models() []any {
	return []any{&TokenRow{}, &StateRow{}, &EventRow{}}
}
