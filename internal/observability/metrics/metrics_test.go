package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("source", "shopify"),
		attribute.String("customer_email", "buyer@example.com"),
		attribute.String("outcome", "completed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "source" && attrs[1].Key != "source" {
		t.Fatalf("expected source to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordOrder(context.Background(), "shopify", "completed")
	m.RecordTokenMinted(context.Background())
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "impactledger"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordOrder(context.Background(), "shopify", "completed")
	m.RecordPaymentEvent(context.Background(), "stripe", "payment_succeeded")
	m.RecordWebhookRejected(context.Background(), "shopify", "invalid_signature")
	m.RecordTokenRevoked(context.Background(), "refund")
}
