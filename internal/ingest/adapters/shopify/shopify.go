package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
)

const (
	SourceName      = "shopify"
	SignatureHeader = "X-Shopify-Hmac-Sha256"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Source() string {
	return SourceName
}

func (f *Factory) NewAdapter(cfg ingestdomain.AdapterConfig) (ingestdomain.OrderAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, ingestdomain.ErrInvalidConfig
	}
	source := strings.ToLower(strings.TrimSpace(cfg.Name))
	if source == "" {
		source = SourceName
	}
	return &Adapter{source: source, webhookSecret: secret, now: time.Now}, nil
}

type Adapter struct {
	source        string
	webhookSecret string
	now           func() time.Time
}

// Verify checks the base64 HMAC-SHA256 of the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	provided := strings.TrimSpace(headers.Get(SignatureHeader))
	if provided == "" {
		return ingestdomain.ErrInvalidSignature
	}
	expected := Sign(a.webhookSecret, payload)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ingestdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*ingestdomain.OrderEvent, error) {
	var order shopifyOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}

	email := strings.TrimSpace(order.Customer.Email)
	if email == "" {
		email = strings.TrimSpace(order.Email)
	}
	if email == "" {
		email = strings.TrimSpace(order.ContactEmail)
	}

	event := &ingestdomain.OrderEvent{
		Source:          a.source,
		ExternalOrderID: rawID(order.ID),
		Customer: ingestdomain.Customer{
			Email:     email,
			FirstName: order.Customer.FirstName,
			LastName:  order.Customer.LastName,
		},
		Currency:   order.Currency,
		ReceivedAt: a.now().UTC(),
	}
	for _, item := range order.LineItems {
		event.LineItems = append(event.LineItems, ingestdomain.LineItem{
			SKU:       item.SKU,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// Sign returns the header value a shop would send for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type shopifyOrder struct {
	ID           json.RawMessage   `json:"id"`
	Email        string            `json:"email"`
	ContactEmail string            `json:"contact_email"`
	Currency     string            `json:"currency"`
	Customer     shopifyCustomer   `json:"customer"`
	LineItems    []shopifyLineItem `json:"line_items"`
}

type shopifyCustomer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type shopifyLineItem struct {
	SKU      string          `json:"sku"`
	Title    string          `json:"title"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func rawID(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "null" {
		return ""
	}
	return strings.Trim(value, `"`)
}
