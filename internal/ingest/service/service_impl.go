package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters"
	"github.com/smallbiznis/impactledger/internal/ingest/domain"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"github.com/smallbiznis/impactledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	kindOrders   = "orders"
	kindPayments = "payments"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Adapters *adapters.Registry
	Limiter  *ratelimit.WebhookLimiter `optional:"true"`
	Metrics  *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	webhooks config.WebhookConfig
	adapters *adapters.Registry
	limiter  *ratelimit.WebhookLimiter
	metrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("ingest.service"),
		clock:    p.Clock,
		webhooks: p.Cfg.Webhooks,
		adapters: p.Adapters,
		limiter:  p.Limiter,
		metrics:  p.Metrics,
	}
}

func (s *Service) ParseOrder(ctx context.Context, source string, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if !s.adapters.SourceExists(source) {
		return nil, domain.ErrSourceNotFound
	}
	if err := s.allow(ctx, kindOrders, source); err != nil {
		return nil, err
	}

	adapter, err := s.adapters.NewOrderAdapter(source, domain.AdapterConfig{
		Name:   source,
		Secret: s.webhooks.OrderSecrets[source],
	})
	if err != nil {
		s.log.Error("order webhook not configured", zap.String("source", source), zap.Bool("alert", true), zap.Error(err))
		return nil, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.reject(ctx, source, "signature")
		return nil, err
	}
	if !json.Valid(payload) {
		s.reject(ctx, source, "payload")
		return nil, domain.ErrInvalidPayload
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.reject(ctx, source, "payload")
		return nil, err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.clock.Now()
	}
	return event, nil
}

func (s *Service) ParsePayment(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}
	if err := s.allow(ctx, kindPayments, provider); err != nil {
		return nil, err
	}

	adapter, err := s.adapters.NewPaymentAdapter(provider, domain.AdapterConfig{
		Name:   provider,
		Secret: s.webhooks.PaymentSecrets[provider],
	})
	if err != nil {
		s.log.Error("payment webhook not configured", zap.String("provider", provider), zap.Bool("alert", true), zap.Error(err))
		return nil, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.reject(ctx, provider, "signature")
		return nil, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if !errors.Is(err, domain.ErrEventIgnored) {
			s.reject(ctx, provider, "payload")
		}
		return nil, err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return event, nil
}

// allow fails open when the limiter backend errors.
func (s *Service) allow(ctx context.Context, kind, name string) error {
	res, err := s.limiter.Allow(ctx, kind, name)
	if err != nil {
		s.log.Warn("webhook rate limiter unavailable", zap.String("kind", kind), zap.String("name", name), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.reject(ctx, name, "rate_limited")
		return domain.ErrRateLimited
	}
	return nil
}

func (s *Service) reject(ctx context.Context, source, reason string) {
	s.metrics.RecordWebhookRejected(ctx, source, reason)
	s.log.Info("webhook rejected", zap.String("source", source), zap.String("reason", reason))
}
