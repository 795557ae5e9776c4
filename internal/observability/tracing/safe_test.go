package tracing

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/orders/:source"),
		attribute.String("customer_email", "buyer@example.com"),
		attribute.String("webhook.signature", "abc"),
	)
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "http.route" {
		t.Fatalf("expected http.route to be retained, got %s", attrs[0].Key)
	}
}

func TestSafeErrorRedactsEmail(t *testing.T) {
	if err := SafeError(errors.New("user buyer@example.com not found")); err.Error() != "redacted error" {
		t.Fatalf("expected redacted error, got %v", err)
	}
	plain := errors.New("registry paused")
	if err := SafeError(plain); err != plain {
		t.Fatalf("expected plain error to pass through")
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
