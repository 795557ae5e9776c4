// Package registrytest holds the conformance suite every token registry
// adapter must pass.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
)

const Operator = "operator-1"

// Factory builds a fresh, empty registry owned by operator.
type Factory func(t *testing.T, operator string, clk clock.Clock, sink domain.EventSink) domain.Registry

// RecordingSink keeps emitted events in order.
type RecordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *RecordingSink) Emit(_ context.Context, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *RecordingSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Run executes the shared registry invariants against factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("MintAssignsSequentialIDs", func(t *testing.T) { testMintSequential(t, factory) })
	t.Run("MintRejectsEmptyArguments", func(t *testing.T) { testMintEmptyArgs(t, factory) })
	t.Run("MintRejectsDuplicatePurchase", func(t *testing.T) { testMintDuplicate(t, factory) })
	t.Run("OperatorGating", func(t *testing.T) { testOperatorGating(t, factory) })
	t.Run("DeactivateTwice", func(t *testing.T) { testDeactivateTwice(t, factory) })
	t.Run("UnknownTokenNotFound", func(t *testing.T) { testUnknownToken(t, factory) })
	t.Run("PauseBlocksMintOnly", func(t *testing.T) { testPauseBlocksMintOnly(t, factory) })
	t.Run("ListByInitiativeInMintOrder", func(t *testing.T) { testListByInitiative(t, factory) })
	t.Run("ConcurrentMintsForOnePurchase", func(t *testing.T) { testConcurrentMint(t, factory) })
}

func newClock() *clock.FakeClock {
	return clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
}

func testMintSequential(t *testing.T, factory Factory) {
	ctx := context.Background()
	clk := newClock()
	sink := &RecordingSink{}
	reg := factory(t, Operator, clk, sink)

	for i := 1; i <= 3; i++ {
		id, err := reg.Mint(ctx, Operator, fmt.Sprintf("purchase-%d", i), "initiative-1", "buyer@example.com")
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if id != domain.TokenID(i) {
			t.Fatalf("expected token id %d, got %d", i, id)
		}
	}

	record, err := reg.Lookup(ctx, 2)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.PurchaseID != "purchase-2" || record.InitiativeID != "initiative-1" || record.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.Active {
		t.Fatalf("expected minted token to be active")
	}
	if !record.MintedAt.Equal(clk.Now()) {
		t.Fatalf("expected minted_at %s, got %s", clk.Now(), record.MintedAt)
	}

	supply, err := reg.TotalSupply(ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != 3 {
		t.Fatalf("expected supply 3, got %d", supply)
	}

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != domain.EventTokenMinted || events[0].TokenID != 1 || events[0].PurchaseID != "purchase-1" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
}

func testMintEmptyArgs(t *testing.T, factory Factory) {
	ctx := context.Background()
	sink := &RecordingSink{}
	reg := factory(t, Operator, newClock(), sink)

	cases := []struct {
		purchase, initiative, email string
	}{
		{"", "initiative-1", "buyer@example.com"},
		{"purchase-1", "", "buyer@example.com"},
		{"purchase-1", "initiative-1", ""},
		{"   ", "initiative-1", "buyer@example.com"},
	}
	for _, tc := range cases {
		if _, err := reg.Mint(ctx, Operator, tc.purchase, tc.initiative, tc.email); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected invalid argument for %+v, got %v", tc, err)
		}
	}

	supply, err := reg.TotalSupply(ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != 0 {
		t.Fatalf("expected nothing minted, got supply %d", supply)
	}
	if len(sink.Events()) != 0 {
		t.Fatalf("expected no events")
	}
}

func testMintDuplicate(t *testing.T, factory Factory) {
	ctx := context.Background()
	sink := &RecordingSink{}
	reg := factory(t, Operator, newClock(), sink)

	first, err := reg.Mint(ctx, Operator, "purchase-1", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, err = reg.Mint(ctx, Operator, "purchase-1", "initiative-2", "other@example.com")
	if !errors.Is(err, domain.ErrDuplicatePurchase) {
		t.Fatalf("expected duplicate purchase, got %v", err)
	}

	// Deactivated tokens still block a new mint for the same purchase.
	if err := reg.Deactivate(ctx, Operator, first); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := reg.Mint(ctx, Operator, "purchase-1", "initiative-1", "buyer@example.com"); !errors.Is(err, domain.ErrDuplicatePurchase) {
		t.Fatalf("expected duplicate purchase after deactivate, got %v", err)
	}

	supply, err := reg.TotalSupply(ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != 1 {
		t.Fatalf("expected supply 1, got %d", supply)
	}
	id, ok, err := reg.LookupByPurchase(ctx, "purchase-1")
	if err != nil || !ok || id != first {
		t.Fatalf("expected purchase-1 -> %d, got %d ok=%v err=%v", first, id, ok, err)
	}
	record, err := reg.Lookup(ctx, first)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.InitiativeID != "initiative-1" || record.CustomerEmail != "buyer@example.com" {
		t.Fatalf("duplicate mint changed record: %+v", record)
	}

	next, err := reg.Mint(ctx, Operator, "purchase-2", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint after duplicate: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected next id 2, got %d", next)
	}
}

func testOperatorGating(t *testing.T, factory Factory) {
	ctx := context.Background()
	sink := &RecordingSink{}
	reg := factory(t, Operator, newClock(), sink)

	id, err := reg.Mint(ctx, Operator, "purchase-1", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	const stranger = "someone-else"
	if _, err := reg.Mint(ctx, stranger, "purchase-2", "initiative-1", "buyer@example.com"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %v", err)
	}
	if err := reg.Deactivate(ctx, stranger, id); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized deactivate, got %v", err)
	}
	if err := reg.Pause(ctx, stranger); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if err := reg.Pause(ctx, Operator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := reg.Unpause(ctx, stranger); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized unpause, got %v", err)
	}

	paused, err := reg.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatalf("unauthorized unpause changed state")
	}
	record, err := reg.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !record.Active {
		t.Fatalf("unauthorized deactivate changed state")
	}
	if _, ok, _ := reg.LookupByPurchase(ctx, "purchase-2"); ok {
		t.Fatalf("unauthorized mint created a token")
	}
	if got := len(sink.Events()); got != 1 {
		t.Fatalf("expected only the authorized mint event, got %d", got)
	}
}

func testDeactivateTwice(t *testing.T, factory Factory) {
	ctx := context.Background()
	clk := newClock()
	sink := &RecordingSink{}
	reg := factory(t, Operator, clk, sink)

	id, err := reg.Mint(ctx, Operator, "purchase-1", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	clk.Advance(time.Hour)
	if err := reg.Deactivate(ctx, Operator, id); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := reg.Deactivate(ctx, Operator, id); !errors.Is(err, domain.ErrAlreadyInactive) {
		t.Fatalf("expected already inactive, got %v", err)
	}

	record, err := reg.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Active {
		t.Fatalf("expected inactive token")
	}
	if record.DeactivatedAt == nil || !record.DeactivatedAt.Equal(clk.Now()) {
		t.Fatalf("expected deactivated_at %s, got %v", clk.Now(), record.DeactivatedAt)
	}

	events := sink.Events()
	if len(events) != 2 || events[1].Type != domain.EventTokenDeactivated || events[1].TokenID != id {
		t.Fatalf("unexpected events %+v", events)
	}
}

func testUnknownToken(t *testing.T, factory Factory) {
	ctx := context.Background()
	reg := factory(t, Operator, newClock(), &RecordingSink{})

	if _, err := reg.Lookup(ctx, 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on lookup, got %v", err)
	}
	if err := reg.Deactivate(ctx, Operator, 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on deactivate, got %v", err)
	}
	id, ok, err := reg.LookupByPurchase(ctx, "missing")
	if err != nil {
		t.Fatalf("lookup by purchase: %v", err)
	}
	if ok || id != 0 {
		t.Fatalf("expected absence, got id=%d ok=%v", id, ok)
	}
	ids, err := reg.ListByInitiative(ctx, "missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %v", ids)
	}
}

func testPauseBlocksMintOnly(t *testing.T, factory Factory) {
	ctx := context.Background()
	reg := factory(t, Operator, newClock(), &RecordingSink{})

	id, err := reg.Mint(ctx, Operator, "purchase-1", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := reg.Pause(ctx, Operator); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := reg.Mint(ctx, Operator, "purchase-2", "initiative-1", "buyer@example.com"); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	// Paused is checked before argument validation.
	if _, err := reg.Mint(ctx, Operator, "", "", ""); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("expected paused before invalid argument, got %v", err)
	}
	if _, err := reg.Lookup(ctx, id); err != nil {
		t.Fatalf("lookup while paused: %v", err)
	}
	if err := reg.Deactivate(ctx, Operator, id); err != nil {
		t.Fatalf("deactivate while paused: %v", err)
	}

	if err := reg.Unpause(ctx, Operator); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	next, err := reg.Mint(ctx, Operator, "purchase-2", "initiative-1", "buyer@example.com")
	if err != nil {
		t.Fatalf("mint after unpause: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected id 2 after unpause, got %d", next)
	}
}

func testListByInitiative(t *testing.T, factory Factory) {
	ctx := context.Background()
	reg := factory(t, Operator, newClock(), &RecordingSink{})

	plan := []struct{ purchase, initiative string }{
		{"p1", "forest"},
		{"p2", "ocean"},
		{"p3", "forest"},
		{"p4", "forest"},
	}
	for _, step := range plan {
		if _, err := reg.Mint(ctx, Operator, step.purchase, step.initiative, "buyer@example.com"); err != nil {
			t.Fatalf("mint %s: %v", step.purchase, err)
		}
	}

	ids, err := reg.ListByInitiative(ctx, "forest")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []domain.TokenID{1, 3, 4}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func testConcurrentMint(t *testing.T, factory Factory) {
	ctx := context.Background()
	reg := factory(t, Operator, newClock(), &RecordingSink{})

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Mint(ctx, Operator, "purchase-shared", "initiative-1", "buyer@example.com")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrDuplicatePurchase):
				dupes++
			default:
				t.Errorf("unexpected mint error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || dupes != workers-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", workers-1, successes, dupes)
	}
	supply, err := reg.TotalSupply(ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != 1 {
		t.Fatalf("expected supply 1, got %d", supply)
	}
}
