package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
	"github.com/smallbiznis/impactledger/internal/registry/ledger"
	"github.com/smallbiznis/impactledger/internal/registry/registrytest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:registry_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(ledger.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLedgerRegistryConformance(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	registrytest.Run(t, func(t *testing.T, operator string, clk clock.Clock, sink domain.EventSink) domain.Registry {
		reg, err := ledger.New(context.Background(), setupTestDB(t), operator, clk, sink, node)
		if err != nil {
			t.Fatalf("new ledger registry: %v", err)
		}
		return reg
	})
}

func TestLedgerRegistryOperatorIsNotTransferable(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	if _, err := ledger.New(ctx, db, "owner", nil, nil, node); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := ledger.New(ctx, db, "owner", nil, nil, node); err != nil {
		t.Fatalf("rebind same operator: %v", err)
	}
	if _, err := ledger.New(ctx, db, "intruder", nil, nil, node); !errors.Is(err, domain.ErrOperatorMismatch) {
		t.Fatalf("expected operator mismatch, got %v", err)
	}
}

func TestLedgerRegistryAppendsEvents(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	reg, err := ledger.New(ctx, db, "owner", nil, nil, node)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	id, err := reg.Mint(ctx, "owner", "purchase-1", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := reg.Mint(ctx, "owner", "purchase-1", "initiative-1", "buyer@example.com"); !errors.Is(err, domain.ErrDuplicatePurchase) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := reg.Deactivate(ctx, "owner", id); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	var types []string
	if err := db.Raw(`SELECT event_type FROM registry_events ORDER BY emitted_at ASC, id ASC`).Scan(&types).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(types) != 2 || types[0] != string(domain.EventTokenMinted) || types[1] != string(domain.EventTokenDeactivated) {
		t.Fatalf("unexpected events %v", types)
	}
}
