package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeInFlight  Outcome = "in_flight"
)

// MintResult links one purchase to its registry token.
type MintResult struct {
	PurchaseID   snowflake.ID `json:"purchase_id"`
	InitiativeID snowflake.ID `json:"initiative_id"`
	TokenID      uint64       `json:"token_id"`
	TxRef        string       `json:"tx_ref"`
	// Reconciled is set when the token already existed in the registry.
	Reconciled bool `json:"reconciled,omitempty"`
}

type OrderResult struct {
	Outcome     Outcome  `json:"outcome"`
	PurchaseIDs []string `json:"purchase_ids"`
	TokenIDs    []uint64 `json:"token_ids"`
}

type PaymentAction string

const (
	PaymentActionFulfilled PaymentAction = "fulfilled"
	PaymentActionFailed    PaymentAction = "failed"
	PaymentActionRevoked   PaymentAction = "revoked"
)

type PaymentResult struct {
	Action   PaymentAction `json:"action"`
	Order    *OrderResult  `json:"order,omitempty"`
	Affected int64         `json:"affected"`
}

type Coordinator interface {
	// Fulfill mints the purchase's token at most once and persists the link.
	// Side effects after persistence are best-effort.
	Fulfill(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string) (MintResult, error)
	// Revoke deactivates the purchase's token and marks the purchase REVOKED.
	Revoke(ctx context.Context, purchaseID snowflake.ID, reason string) (*purchasedomain.Purchase, error)
}

type Pipeline interface {
	ProcessOrder(ctx context.Context, order ingestdomain.OrderEvent) (OrderResult, error)
	HandlePayment(ctx context.Context, event ingestdomain.PaymentEvent) (PaymentResult, error)
}
