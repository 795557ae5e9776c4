package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	idempotencyrepository "github.com/smallbiznis/impactledger/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/impactledger/internal/idempotency/service"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	"github.com/smallbiznis/impactledger/internal/storetest"
	"go.uber.org/zap"
)

type recordingPipeline struct {
	mu     sync.Mutex
	orders []ingestdomain.OrderEvent
	err    error
}

func (p *recordingPipeline) ProcessOrder(ctx context.Context, order ingestdomain.OrderEvent) (fulfillmentdomain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, order)
	if p.err != nil {
		return fulfillmentdomain.OrderResult{}, p.err
	}
	return fulfillmentdomain.OrderResult{Outcome: fulfillmentdomain.OutcomeCompleted}, nil
}

func (p *recordingPipeline) HandlePayment(ctx context.Context, event ingestdomain.PaymentEvent) (fulfillmentdomain.PaymentResult, error) {
	return fulfillmentdomain.PaymentResult{}, nil
}

func (p *recordingPipeline) seen() []ingestdomain.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ingestdomain.OrderEvent(nil), p.orders...)
}

type fixture struct {
	clock       *clock.FakeClock
	idempotency idempotencydomain.Service
	pipeline    *recordingPipeline
	scheduler   *Scheduler
}

func newFixture(t *testing.T, redrive config.RedriveConfig) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	cfg := config.DefaultFulfillmentConfig()
	cfg.Redrive = redrive
	holder := config.NewStaticFulfillmentConfigHolder(cfg)

	f := &fixture{
		clock:    clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)),
		pipeline: &recordingPipeline{},
	}
	f.idempotency = idempotencyservice.New(idempotencyservice.Params{
		DB: storetest.Open(t), Log: zap.NewNop(), GenID: node, Clock: f.clock,
		Repo: idempotencyrepository.Provide(), Cfg: holder,
	})
	f.scheduler, err = New(Params{
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       f.clock,
		Idempotency: f.idempotency,
		Pipeline:    f.pipeline,
		Cfg:         holder,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return f
}

func enabled() config.RedriveConfig {
	return config.RedriveConfig{Enabled: true, Interval: time.Minute, BatchSize: 10, MinAge: 30 * time.Second}
}

func (f *fixture) failDelivery(t *testing.T, id string, payload []byte, retryable bool) {
	t.Helper()
	ctx := context.Background()
	begin, err := f.idempotency.BeginOrReplay(ctx, "shopify", id, payload)
	if err != nil {
		t.Fatalf("begin %s: %v", id, err)
	}
	if err := f.idempotency.Fail(ctx, "shopify", id, begin.Attempt, "registry paused", retryable); err != nil {
		t.Fatalf("fail %s: %v", id, err)
	}
}

func orderPayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(ingestdomain.OrderEvent{
		Source:          "shopify",
		ExternalOrderID: id,
		Customer:        ingestdomain.Customer{Email: "buyer@example.com"},
		LineItems:       []ingestdomain.LineItem{{SKU: "TREE_PLANT_001", Quantity: 1, UnitPrice: decimal.RequireFromString("25")}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func TestRedriveReplaysRetryableDeliveries(t *testing.T) {
	f := newFixture(t, enabled())
	f.failDelivery(t, "1001", orderPayload(t, "1001"), true)
	f.failDelivery(t, "1002", orderPayload(t, "1002"), false)

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := len(f.pipeline.seen()); got != 0 {
		t.Fatalf("expected young failures to wait, got %d redrives", got)
	}

	f.clock.Advance(time.Minute)
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	seen := f.pipeline.seen()
	if len(seen) != 1 {
		t.Fatalf("expected 1 redrive, got %d", len(seen))
	}
	if seen[0].ExternalOrderID != "1001" || len(seen[0].LineItems) != 1 {
		t.Fatalf("unexpected redriven order %+v", seen[0])
	}
}

func TestRedriveSkipsDeliveryWithoutPayload(t *testing.T) {
	f := newFixture(t, enabled())
	f.failDelivery(t, "2001", nil, true)
	f.failDelivery(t, "2002", orderPayload(t, "2002"), true)
	f.pipeline.err = errors.New("registry unavailable")

	f.clock.Advance(time.Minute)
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once should absorb per-order failures: %v", err)
	}
	seen := f.pipeline.seen()
	if len(seen) != 1 || seen[0].ExternalOrderID != "2002" {
		t.Fatalf("expected only the order with a payload to be redriven, got %+v", seen)
	}
}

func TestRedriveDisabled(t *testing.T) {
	cfg := enabled()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	f.failDelivery(t, "3001", orderPayload(t, "3001"), true)

	f.clock.Advance(time.Hour)
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := len(f.pipeline.seen()); got != 0 {
		t.Fatalf("expected no redrive when disabled, got %d", got)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Params{Log: zap.NewNop()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
