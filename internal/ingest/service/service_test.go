package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters/shopify"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters/stripe"
	"github.com/smallbiznis/impactledger/internal/ingest/domain"
	"github.com/smallbiznis/impactledger/internal/ingest/service"
	"github.com/smallbiznis/impactledger/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	shopifySecret = "shpss_test"
	stripeSecret  = "whsec_test"
)

func newService(t *testing.T, webhooks config.WebhookConfig) domain.Service {
	t.Helper()
	cfg := config.Config{Webhooks: webhooks}
	return service.New(service.Params{
		Log:      zap.NewNop(),
		Clock:    clock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Cfg:      cfg,
		Adapters: adapters.Default(),
		Limiter:  ratelimit.NewWebhookLimiter(cfg, nil),
	})
}

func configured() config.WebhookConfig {
	return config.WebhookConfig{
		OrderSecrets:   map[string]string{"shopify": shopifySecret},
		PaymentSecrets: map[string]string{"stripe": stripeSecret},
	}
}

var orderPayload = []byte(`{"id":1001,"customer":{"email":"buyer@example.com"},"line_items":[{"sku":"TREE_PLANT_001","quantity":2,"price":"25.00"}]}`)

func TestParseOrderVerifiesSignature(t *testing.T) {
	svc := newService(t, configured())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set(shopify.SignatureHeader, shopify.Sign(shopifySecret, orderPayload))
	event, err := svc.ParseOrder(ctx, "Shopify", orderPayload, headers)
	require.NoError(t, err)
	assert.Equal(t, "shopify", event.Source)
	assert.Equal(t, "1001", event.ExternalOrderID)
	assert.Len(t, event.LineItems, 1)
	assert.False(t, event.ReceivedAt.IsZero())

	headers.Set(shopify.SignatureHeader, shopify.Sign("forged", orderPayload))
	_, err = svc.ParseOrder(ctx, "shopify", orderPayload, headers)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestParseOrderUnknownOrUnconfiguredSource(t *testing.T) {
	ctx := context.Background()

	_, err := newService(t, configured()).ParseOrder(ctx, "woocommerce", orderPayload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrSourceNotFound)

	_, err = newService(t, config.WebhookConfig{}).ParseOrder(ctx, "shopify", orderPayload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestParseOrderRejectsMalformedBody(t *testing.T) {
	svc := newService(t, configured())
	body := []byte(`{"id":1001,"line_items":[]}`)
	headers := http.Header{}
	headers.Set(shopify.SignatureHeader, shopify.Sign(shopifySecret, body))

	_, err := svc.ParseOrder(context.Background(), "shopify", body, headers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidEvent) || errors.Is(err, domain.ErrInvalidPayload))
}

func TestParsePayment(t *testing.T) {
	svc := newService(t, configured())
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1","type":"charge.refunded","created":1767322800,"data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":5000,"amount_refunded":5000,"currency":"usd","metadata":{"order_source":"shopify","order_id":"1001"}}}}`)

	headers := http.Header{}
	headers.Set(stripe.SignatureHeader, stripe.SignatureHeaderValue(stripeSecret, payload, time.Now().Unix()))
	event, err := svc.ParsePayment(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.Refunded, event.Type)
	assert.Equal(t, domain.OrderRef{Source: "shopify", ExternalOrderID: "1001"}, event.Ref)
	assert.NotEmpty(t, event.RawPayload)

	ignored := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`)
	headers.Set(stripe.SignatureHeader, stripe.SignatureHeaderValue(stripeSecret, ignored, time.Now().Unix()))
	_, err = svc.ParsePayment(ctx, "stripe", ignored, headers)
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = svc.ParsePayment(ctx, "adyen", payload, headers)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
