package adapters

import (
	"strings"

	"github.com/smallbiznis/impactledger/internal/ingest/adapters/shopify"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters/stripe"
	"github.com/smallbiznis/impactledger/internal/ingest/domain"
)

type Registry struct {
	orders   map[string]domain.OrderAdapterFactory
	payments map[string]domain.PaymentAdapterFactory
}

// Default registers every built-in webhook adapter.
func Default() *Registry {
	return NewRegistry(
		[]domain.OrderAdapterFactory{shopify.NewFactory()},
		[]domain.PaymentAdapterFactory{stripe.NewFactory()},
	)
}

func NewRegistry(orders []domain.OrderAdapterFactory, payments []domain.PaymentAdapterFactory) *Registry {
	registry := &Registry{
		orders:   map[string]domain.OrderAdapterFactory{},
		payments: map[string]domain.PaymentAdapterFactory{},
	}
	for _, factory := range orders {
		if factory == nil {
			continue
		}
		source := normalize(factory.Source())
		if source == "" {
			continue
		}
		registry.orders[source] = factory
	}
	for _, factory := range payments {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.payments[provider] = factory
	}
	return registry
}

func (r *Registry) SourceExists(source string) bool {
	if r == nil {
		return false
	}
	_, ok := r.orders[normalize(source)]
	return ok
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.payments[normalize(provider)]
	return ok
}

func (r *Registry) NewOrderAdapter(source string, cfg domain.AdapterConfig) (domain.OrderAdapter, error) {
	if r == nil {
		return nil, domain.ErrSourceNotFound
	}
	factory, ok := r.orders[normalize(source)]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	return factory.NewAdapter(cfg)
}

func (r *Registry) NewPaymentAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.payments[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
