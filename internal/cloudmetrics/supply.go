package cloudmetrics

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
)

// SupplyMetrics holds the registry gauges that are pushed out of process.
// It owns a private prometheus.Registry so pushes never carry HTTP metrics.
type SupplyMetrics struct {
	registry    *prometheus.Registry
	pusher      Pusher
	totalSupply prometheus.Gauge
	paused      prometheus.Gauge
	memory      prometheus.Gauge
	pushErrors  prometheus.Counter
}

func New(pusher Pusher, instanceID, version string) *SupplyMetrics {
	labels := prometheus.Labels{"instance_id": instanceID, "version": version}
	m := &SupplyMetrics{
		registry: prometheus.NewRegistry(),
		pusher:   pusher,
		totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "impactledger_registry_total_supply",
			Help:        "Tokens ever minted by the registry.",
			ConstLabels: labels,
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "impactledger_registry_paused",
			Help:        "1 while the registry refuses mints.",
			ConstLabels: labels,
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "impactledger_process_memory_bytes",
			Help:        "Memory obtained from the OS by the process.",
			ConstLabels: labels,
		}),
		pushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "impactledger_metrics_push_errors_total",
			Help:        "Failed pushes to the Pushgateway.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.totalSupply, m.paused, m.memory, m.pushErrors)
	return m
}

// Collect refreshes the gauges from the registry.
func (m *SupplyMetrics) Collect(ctx context.Context, reg registrydomain.Registry) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memory.Set(float64(mem.Sys))

	supply, err := reg.TotalSupply(ctx)
	if err != nil {
		return err
	}
	m.totalSupply.Set(float64(supply))

	paused, err := reg.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
	return nil
}

func (m *SupplyMetrics) Push(ctx context.Context) error {
	if m.pusher == nil {
		return nil
	}
	if err := m.pusher.Push(ctx, m.registry); err != nil {
		m.pushErrors.Inc()
		return err
	}
	return nil
}

func (m *SupplyMetrics) Registry() *prometheus.Registry {
	return m.registry
}
