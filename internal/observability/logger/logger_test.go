package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/impactledger/internal/observability/context"
	"github.com/smallbiznis/impactledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-42")
	ctx = obscontext.WithActor(ctx, "system", "redrive")
	ctx = correlation.ContextWithCorrelationID(ctx, "cid-7")

	WithOrder(WithContext(ctx, base), "shopify", "ORDER-1").Info("order.accepted")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-42" {
		t.Fatalf("expected request_id field, got %v", fields["request_id"])
	}
	if fields["actor_id"] != "redrive" {
		t.Fatalf("expected actor_id field, got %v", fields["actor_id"])
	}
	if fields["correlation_id"] != "cid-7" {
		t.Fatalf("expected correlation_id field, got %v", fields["correlation_id"])
	}
	if fields["external_order_id"] != "ORDER-1" {
		t.Fatalf("expected external_order_id field, got %v", fields["external_order_id"])
	}
	if _, ok := fields["trace_id"]; !ok {
		t.Fatalf("expected trace_id field to be present")
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                            "SELECT",
		"  insert into purchases values (1)":  "INSERT",
		"WITH x AS (SELECT 1) UPDATE t SET a": "SELECT",
		"":                                    "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestTableFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "purchases" WHERE id = $1`:                      "purchases",
		"INSERT INTO order_deliveries (source) VALUES (?)":             "order_deliveries",
		"UPDATE `registry_state` SET paused = 1":                       "registry_state",
		"SELECT count(*) FROM (SELECT 1) AS x":                         "",
		"select token_id from registry_tokens where initiative_id = ?": "registry_tokens",
	}
	for sql, want := range cases {
		if got := tableFromSQL(sql); got != want {
			t.Fatalf("tableFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestGormLoggerDowngradesExpectedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	errDuplicate := errors.New("UNIQUE constraint failed: order_deliveries.source")
	log := NewGormLogger(GormLoggerConfig{
		Level:         gormlogger.Warn,
		ExpectedError: func(err error) bool { return errors.Is(err, errDuplicate) },
	})
	query := func() (string, int64) { return "INSERT INTO order_deliveries (source) VALUES (?)", 0 }

	log.Trace(context.Background(), time.Now(), query, errDuplicate)
	log.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	log.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels %v, %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["table"] != "order_deliveries" {
		t.Fatalf("expected table field, got %v", entries[1].ContextMap())
	}
}

func TestRequestLevel(t *testing.T) {
	cases := []struct {
		route  string
		status int
		want   zapcore.Level
	}{
		{"/health", 200, zapcore.DebugLevel},
		{"/webhooks/orders/:source", 200, zapcore.InfoLevel},
		{"/webhooks/orders/:source", 401, zapcore.WarnLevel},
		{"/webhooks/orders/:source", 503, zapcore.WarnLevel},
		{"/webhooks/orders/:source", 500, zapcore.ErrorLevel},
		{"/admin/registry/pause", 401, zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := requestLevel(tc.route, tc.status); got != tc.want {
			t.Fatalf("requestLevel(%q, %d) = %v, want %v", tc.route, tc.status, got, tc.want)
		}
	}
}
