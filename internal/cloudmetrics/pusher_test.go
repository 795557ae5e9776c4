package cloudmetrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/registry/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedPush struct {
	method string
	path   string
	body   []byte
}

func newGateway(t *testing.T) (*httptest.Server, func() []capturedPush) {
	t.Helper()
	var (
		mu     sync.Mutex
		pushes []capturedPush
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushes = append(pushes, capturedPush{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedPush {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedPush(nil), pushes...)
	}
}

func TestNewPusherDisabledWithoutValidEndpoint(t *testing.T) {
	assert.Nil(t, NewPusher(config.Config{}, zap.NewNop()))

	cfg := config.Config{Metrics: config.MetricsPushConfig{PushgatewayURL: "not a url"}}
	assert.Nil(t, NewPusher(cfg, zap.NewNop()))
}

func TestSupplyMetricsPushesRegistryGauges(t *testing.T) {
	gateway, pushes := newGateway(t)

	ctx := context.Background()
	reg := memory.New("fulfillment", clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)), nil)
	_, err := reg.Mint(ctx, "fulfillment", "p-1", "i-1", "buyer@example.com")
	require.NoError(t, err)
	_, err = reg.Mint(ctx, "fulfillment", "p-2", "i-1", "buyer@example.com")
	require.NoError(t, err)
	require.NoError(t, reg.Pause(ctx, "fulfillment"))

	cfg := config.Config{
		AppName:     "impactledger",
		Environment: "test",
		Metrics:     config.MetricsPushConfig{PushgatewayURL: gateway.URL, Job: "ledger"},
	}
	pusher := NewPusher(cfg, zap.NewNop())
	require.NotNil(t, pusher)

	metrics := New(pusher, "node-1", "0.1.0")
	require.NoError(t, metrics.Collect(ctx, reg))
	require.NoError(t, metrics.Push(ctx))

	got := pushes()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/metrics/job/ledger/environment/test", got[0].path)
	assert.True(t, bytes.Contains(got[0].body, []byte("impactledger_registry_total_supply")))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetGauge() != nil {
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), values["impactledger_registry_total_supply"])
	assert.Equal(t, float64(1), values["impactledger_registry_paused"])
}

func TestSupplyMetricsCountsFailedPushes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := New(NewPushgatewayPusher(srv.URL, "ledger", nil), "node-1", "0.1.0")
	require.Error(t, metrics.Push(context.Background()))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "impactledger_metrics_push_errors_total" {
			assert.Equal(t, float64(1), family.GetMetric()[0].GetCounter().GetValue())
			return
		}
	}
	t.Fatalf("push error counter not gathered")
}
