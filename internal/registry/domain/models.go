package domain

import (
	"context"
	"strings"
	"time"
)

// TokenID is assigned by the registry, monotonically increasing from 1.
type TokenID uint64

// TokenRecord is the registry entry proving a purchase funded an initiative.
type TokenRecord struct {
	TokenID       TokenID    `json:"token_id"`
	PurchaseID    string     `json:"purchase_id"`
	InitiativeID  string     `json:"initiative_id"`
	CustomerEmail string     `json:"customer_email"`
	MintedAt      time.Time  `json:"minted_at"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

type EventType string

const (
	EventTokenMinted      EventType = "TokenMinted"
	EventTokenDeactivated EventType = "TokenDeactivated"
)

type Event struct {
	Type          EventType `json:"type"`
	TokenID       TokenID   `json:"token_id"`
	PurchaseID    string    `json:"purchase_id,omitempty"`
	InitiativeID  string    `json:"initiative_id,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// EventSink receives registry events after the state change is durable.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Registry is the token registry capability. Implementations must enforce
// the same invariants; registrytest.Run is the shared proof.
type Registry interface {
	Mint(ctx context.Context, operator, purchaseID, initiativeID, customerEmail string) (TokenID, error)
	Deactivate(ctx context.Context, operator string, tokenID TokenID) error
	Lookup(ctx context.Context, tokenID TokenID) (TokenRecord, error)
	LookupByPurchase(ctx context.Context, purchaseID string) (TokenID, bool, error)
	ListByInitiative(ctx context.Context, initiativeID string) ([]TokenID, error)
	TotalSupply(ctx context.Context) (uint64, error)
	Pause(ctx context.Context, operator string) error
	Unpause(ctx context.Context, operator string) error
	Paused(ctx context.Context) (bool, error)
}

// ValidateMintArgs rejects empty or whitespace-only arguments.
func ValidateMintArgs(purchaseID, initiativeID, customerEmail string) error {
	if strings.TrimSpace(purchaseID) == "" ||
		strings.TrimSpace(initiativeID) == "" ||
		strings.TrimSpace(customerEmail) == "" {
		return ErrInvalidArgument
	}
	return nil
}
