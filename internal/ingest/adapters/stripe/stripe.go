package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
)

const (
	ProviderName     = "stripe"
	SignatureHeader  = "Stripe-Signature"
	defaultTolerance = 5 * time.Minute
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg ingestdomain.AdapterConfig) (ingestdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, ingestdomain.ErrInvalidConfig
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     defaultTolerance,
		now:           time.Now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return ingestdomain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return ingestdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ingestdomain.ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(unix, 0))
		if age > a.tolerance || age < -a.tolerance {
			return ingestdomain.ErrInvalidSignature
		}
	}

	expected := Sign(a.webhookSecret, payload, ts)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return ingestdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*ingestdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, ingestdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, ingestdomain.PaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, ingestdomain.PaymentFailed)
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, ingestdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Created          int64             `json:"created"`
	ReceiptEmail     string            `json:"receipt_email"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Created         int64             `json:"created"`
	PaymentIntent   string            `json:"payment_intent"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
}

type metadataLineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType ingestdomain.PaymentEventType) (*ingestdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, ingestdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	occurredAt := timestamp(intent.Created, event.Created)
	out := &ingestdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		ProviderPaymentID: intent.ID,
		Type:              eventType,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        occurredAt,
		Ref:               orderRef(intent.Metadata, intent.ID),
		RawPayload:        payload,
	}

	if eventType == ingestdomain.PaymentFailed {
		if intent.LastPaymentError != nil {
			out.FailureReason = strings.TrimSpace(intent.LastPaymentError.Message)
		}
		if out.FailureReason == "" {
			out.FailureReason = "payment_failed"
		}
		return out, nil
	}

	order, err := orderFromMetadata(intent.Metadata, out.Ref, firstNonEmpty(intent.Metadata["customer_email"], intent.ReceiptEmail), amount, out.Currency, occurredAt)
	if err != nil {
		return nil, err
	}
	out.Order = order
	return out, nil
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*ingestdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, ingestdomain.ErrInvalidEvent
	}

	fallbackID := firstNonEmpty(session.PaymentIntent, session.ID)
	occurredAt := timestamp(session.Created, event.Created)
	currency := strings.ToUpper(strings.TrimSpace(session.Currency))
	ref := orderRef(session.Metadata, fallbackID)

	email := firstNonEmpty(session.Metadata["customer_email"], session.CustomerDetails.Email)
	order, err := orderFromMetadata(session.Metadata, ref, email, session.AmountTotal, currency, occurredAt)
	if err != nil {
		return nil, err
	}
	if order.Customer.FirstName == "" {
		order.Customer.FirstName = strings.TrimSpace(session.CustomerDetails.Name)
	}

	return &ingestdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		ProviderPaymentID: fallbackID,
		Type:              ingestdomain.CheckoutCompleted,
		Amount:            session.AmountTotal,
		Currency:          currency,
		OccurredAt:        occurredAt,
		Order:             order,
		Ref:               ref,
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*ingestdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, ingestdomain.ErrInvalidEvent
	}

	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}
	return &ingestdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		ProviderPaymentID: charge.ID,
		Type:              ingestdomain.Refunded,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        timestamp(charge.Created, event.Created),
		Ref:               orderRef(charge.Metadata, firstNonEmpty(charge.PaymentIntent, charge.ID)),
		RawPayload:        payload,
	}, nil
}

func orderRef(metadata map[string]string, fallbackID string) ingestdomain.OrderRef {
	return ingestdomain.OrderRef{
		Source:          strings.ToLower(firstNonEmpty(metadata["order_source"], ProviderName)),
		ExternalOrderID: firstNonEmpty(metadata["order_id"], fallbackID),
	}
}

// orderFromMetadata reads the order descriptor a checkout attaches to the
// payment: either a JSON "line_items" list or a single sku/quantity pair.
func orderFromMetadata(metadata map[string]string, ref ingestdomain.OrderRef, email string, amount int64, currency string, receivedAt time.Time) (*ingestdomain.OrderEvent, error) {
	order := &ingestdomain.OrderEvent{
		Source:          ref.Source,
		ExternalOrderID: ref.ExternalOrderID,
		Customer: ingestdomain.Customer{
			Email:     email,
			FirstName: metadata["customer_first_name"],
			LastName:  metadata["customer_last_name"],
		},
		Currency:   currency,
		ReceivedAt: receivedAt,
	}

	if raw := strings.TrimSpace(metadata["line_items"]); raw != "" {
		var items []metadataLineItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("%w: line_items metadata", ingestdomain.ErrInvalidPayload)
		}
		for _, item := range items {
			order.LineItems = append(order.LineItems, ingestdomain.LineItem{
				SKU:       item.SKU,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			})
		}
	} else if sku := strings.TrimSpace(metadata["sku"]); sku != "" {
		quantity := 1
		if raw := strings.TrimSpace(metadata["quantity"]); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: quantity metadata", ingestdomain.ErrInvalidPayload)
			}
			quantity = parsed
		}
		unitPrice, err := unitPriceFromMetadata(metadata["unit_price"], amount, quantity)
		if err != nil {
			return nil, err
		}
		order.LineItems = append(order.LineItems, ingestdomain.LineItem{
			SKU:       sku,
			Quantity:  quantity,
			UnitPrice: unitPrice,
		})
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

func unitPriceFromMetadata(raw string, amount int64, quantity int) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: unit_price metadata", ingestdomain.ErrInvalidPayload)
		}
		return price, nil
	}
	if quantity <= 0 {
		return decimal.Zero, nil
	}
	// Amounts arrive in minor units.
	return decimal.New(amount, -2).Div(decimal.NewFromInt(int64(quantity))).Round(4), nil
}

// Sign computes the v1 signature for payload at timestamp ts.
func Sign(secret string, payload []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a full Stripe-Signature header.
func SignatureHeaderValue(secret string, payload []byte, unix int64) string {
	ts := strconv.FormatInt(unix, 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, Sign(secret, payload, ts))
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
