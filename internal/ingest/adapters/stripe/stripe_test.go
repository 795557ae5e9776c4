package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	now := time.Now()

	adapter := &Adapter{webhookSecret: secret, tolerance: defaultTolerance, now: func() time.Time { return now }}
	reqHeader := http.Header{}
	reqHeader.Set(SignatureHeader, SignatureHeaderValue(secret, payload, now.Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set(SignatureHeader, SignatureHeaderValue("wrong", payload, now.Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, ingestdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	reqHeader.Set(SignatureHeader, SignatureHeaderValue(secret, payload, now.Add(-time.Hour).Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, ingestdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale timestamp to fail, got %v", err)
	}

	reqHeader.Set(SignatureHeader, "garbage")
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, ingestdomain.ErrInvalidSignature) {
		t.Fatalf("expected malformed header to fail, got %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestParsePaymentEvents(t *testing.T) {
	created := time.Now().UTC().Unix()
	adapter := &Adapter{webhookSecret: "whsec", now: time.Now}

	tests := []struct {
		name      string
		event     any
		wantType  ingestdomain.PaymentEventType
		wantOrder bool
		wantRef   ingestdomain.OrderRef
	}{
		{
			name: "payment_intent.succeeded",
			event: map[string]any{
				"id": "evt_pi", "type": "payment_intent.succeeded", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "pi_1", "amount": 5000, "amount_received": 5000, "currency": "usd",
					"metadata": map[string]any{"sku": "TREE_PLANT_001", "quantity": "2", "customer_email": "buyer@example.com"},
				}},
			},
			wantType:  ingestdomain.PaymentSucceeded,
			wantOrder: true,
			wantRef:   ingestdomain.OrderRef{Source: "stripe", ExternalOrderID: "pi_1"},
		},
		{
			name: "checkout.session.completed",
			event: map[string]any{
				"id": "evt_cs", "type": "checkout.session.completed", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "cs_1", "amount_total": 2500, "currency": "usd", "payment_intent": "pi_2",
					"customer_details": map[string]any{"email": "buyer@example.com", "name": "Ada"},
					"metadata":         map[string]any{"order_source": "shopify", "order_id": "1001", "line_items": `[{"sku":"TREE_PLANT_001","quantity":1,"unit_price":"25.00"}]`},
				}},
			},
			wantType:  ingestdomain.CheckoutCompleted,
			wantOrder: true,
			wantRef:   ingestdomain.OrderRef{Source: "shopify", ExternalOrderID: "1001"},
		},
		{
			name: "payment_intent.payment_failed",
			event: map[string]any{
				"id": "evt_fail", "type": "payment_intent.payment_failed", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "pi_3", "amount": 5000, "currency": "usd",
					"last_payment_error": map[string]any{"message": "card_declined"},
				}},
			},
			wantType: ingestdomain.PaymentFailed,
			wantRef:  ingestdomain.OrderRef{Source: "stripe", ExternalOrderID: "pi_3"},
		},
		{
			name: "charge.refunded",
			event: map[string]any{
				"id": "evt_ref", "type": "charge.refunded", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "ch_1", "amount": 5000, "amount_refunded": 5000, "currency": "usd", "payment_intent": "pi_1",
				}},
			},
			wantType: ingestdomain.Refunded,
			wantRef:  ingestdomain.OrderRef{Source: "stripe", ExternalOrderID: "pi_1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := adapter.Parse(context.Background(), mustJSON(t, tc.event))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if event.Type != tc.wantType {
				t.Fatalf("expected type %s, got %s", tc.wantType, event.Type)
			}
			if event.Ref != tc.wantRef {
				t.Fatalf("expected ref %+v, got %+v", tc.wantRef, event.Ref)
			}
			if (event.Order != nil) != tc.wantOrder {
				t.Fatalf("expected order=%v, got %+v", tc.wantOrder, event.Order)
			}
			if event.Order != nil && (event.Order.Source != tc.wantRef.Source || event.Order.ExternalOrderID != tc.wantRef.ExternalOrderID) {
				t.Fatalf("order identity %s/%s does not match ref", event.Order.Source, event.Order.ExternalOrderID)
			}
		})
	}
}

func TestParseDerivesUnitPriceFromAmount(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec", now: time.Now}
	payload := mustJSON(t, map[string]any{
		"id": "evt_pi", "type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{
			"id": "pi_1", "amount": 5000, "currency": "usd", "receipt_email": "buyer@example.com",
			"metadata": map[string]any{"sku": "TREE_PLANT_001", "quantity": "2"},
		}},
	})

	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	item := event.Order.LineItems[0]
	if item.Quantity != 2 || !item.UnitPrice.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("unexpected line item %+v", item)
	}
	if event.Order.Customer.Email != "buyer@example.com" {
		t.Fatalf("expected receipt email fallback, got %s", event.Order.Customer.Email)
	}
}

func TestParseIgnoresUnknownEvents(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec", now: time.Now}
	_, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`))
	if !errors.Is(err, ingestdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}

	_, err = adapter.Parse(context.Background(), []byte(`not-json`))
	if !errors.Is(err, ingestdomain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestParseSucceededWithoutOrderDescriptorIsInvalid(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec", now: time.Now}
	payload := mustJSON(t, map[string]any{
		"id": "evt_pi", "type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{
			"id": "pi_1", "amount": 5000, "currency": "usd", "receipt_email": "buyer@example.com",
		}},
	})
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, ingestdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
