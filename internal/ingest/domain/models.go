package domain

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (c Customer) Name() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

type LineItem struct {
	SKU       string          `json:"sku"`
	Title     string          `json:"title,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderEvent is the validated, source-independent order notification. It is
// identified by (Source, ExternalOrderID).
type OrderEvent struct {
	Source          string     `json:"source"`
	ExternalOrderID string     `json:"external_order_id"`
	Customer        Customer   `json:"customer"`
	Currency        string     `json:"currency,omitempty"`
	LineItems       []LineItem `json:"line_items"`
	ReceivedAt      time.Time  `json:"received_at"`
}

// Validate normalizes the event in place and rejects malformed input.
func (e *OrderEvent) Validate() error {
	if e == nil {
		return ErrInvalidEvent
	}
	e.Source = strings.ToLower(strings.TrimSpace(e.Source))
	e.ExternalOrderID = strings.TrimSpace(e.ExternalOrderID)
	e.Customer.Email = strings.TrimSpace(e.Customer.Email)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))

	if e.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if e.ExternalOrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidEvent)
	}
	if !strings.Contains(e.Customer.Email, "@") {
		return fmt.Errorf("%w: customer email is invalid", ErrInvalidEvent)
	}
	if len(e.LineItems) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrInvalidEvent)
	}
	for i := range e.LineItems {
		item := &e.LineItems[i]
		item.SKU = strings.TrimSpace(item.SKU)
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: line item %d quantity must be positive", ErrInvalidEvent, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line item %d price must not be negative", ErrInvalidEvent, i)
		}
	}
	return nil
}

type PaymentEventType string

const (
	PaymentSucceeded  PaymentEventType = "payment_succeeded"
	CheckoutCompleted PaymentEventType = "checkout_completed"
	PaymentFailed     PaymentEventType = "payment_failed"
	Refunded          PaymentEventType = "refunded"
)

// OrderRef points at an order previously delivered through any source.
type OrderRef struct {
	Source          string `json:"source"`
	ExternalOrderID string `json:"external_order_id"`
}

// PaymentEvent is the canonical payment notification parsed by adapters.
// Order is set for succeeded and checkout events; failed and refunded events
// only carry Ref.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	Type              PaymentEventType
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	Order             *OrderEvent
	Ref               OrderRef
	FailureReason     string
	RawPayload        []byte
}

type AdapterConfig struct {
	Name   string
	Secret string
}

type OrderAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*OrderEvent, error)
}

type OrderAdapterFactory interface {
	Source() string
	NewAdapter(cfg AdapterConfig) (OrderAdapter, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type PaymentAdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// Service authenticates and parses inbound webhook deliveries.
type Service interface {
	ParseOrder(ctx context.Context, source string, payload []byte, headers http.Header) (*OrderEvent, error)
	ParsePayment(ctx context.Context, provider string, payload []byte, headers http.Header) (*PaymentEvent, error)
}
