package memory

import (
	"context"
	"sync"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
)

// Registry keeps tokens in process memory. It is meant for tests and local
// development; state does not survive a restart.
type Registry struct {
	mu       sync.RWMutex
	operator string
	clock    clock.Clock
	sink     domain.EventSink

	paused     bool
	lastID     domain.TokenID
	tokens     map[domain.TokenID]*domain.TokenRecord
	byPurchase map[string]domain.TokenID
	byInit     map[string][]domain.TokenID
}

func New(operator string, clk clock.Clock, sink domain.EventSink) *Registry {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Registry{
		operator:   operator,
		clock:      clk,
		sink:       sink,
		tokens:     make(map[domain.TokenID]*domain.TokenRecord),
		byPurchase: make(map[string]domain.TokenID),
		byInit:     make(map[string][]domain.TokenID),
	}
}

func (r *Registry) Mint(ctx context.Context, operator, purchaseID, initiativeID, customerEmail string) (domain.TokenID, error) {
	if operator != r.operator {
		return 0, domain.ErrUnauthorized
	}

	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return 0, domain.ErrPaused
	}
	if err := domain.ValidateMintArgs(purchaseID, initiativeID, customerEmail); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if _, exists := r.byPurchase[purchaseID]; exists {
		r.mu.Unlock()
		return 0, domain.ErrDuplicatePurchase
	}

	r.lastID++
	id := r.lastID
	record := &domain.TokenRecord{
		TokenID:       id,
		PurchaseID:    purchaseID,
		InitiativeID:  initiativeID,
		CustomerEmail: customerEmail,
		MintedAt:      r.clock.Now(),
		Active:        true,
	}
	r.tokens[id] = record
	r.byPurchase[purchaseID] = id
	r.byInit[initiativeID] = append(r.byInit[initiativeID], id)
	r.mu.Unlock()

	r.sink.Emit(ctx, domain.Event{
		Type:          domain.EventTokenMinted,
		TokenID:       id,
		PurchaseID:    purchaseID,
		InitiativeID:  initiativeID,
		CustomerEmail: customerEmail,
		EmittedAt:     record.MintedAt,
	})
	return id, nil
}

func (r *Registry) Deactivate(ctx context.Context, operator string, tokenID domain.TokenID) error {
	if operator != r.operator {
		return domain.ErrUnauthorized
	}

	r.mu.Lock()
	record, ok := r.tokens[tokenID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	if !record.Active {
		r.mu.Unlock()
		return domain.ErrAlreadyInactive
	}
	now := r.clock.Now()
	record.Active = false
	record.DeactivatedAt = &now
	r.mu.Unlock()

	r.sink.Emit(ctx, domain.Event{
		Type:      domain.EventTokenDeactivated,
		TokenID:   tokenID,
		EmittedAt: now,
	})
	return nil
}

func (r *Registry) Lookup(ctx context.Context, tokenID domain.TokenID) (domain.TokenRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.tokens[tokenID]
	if !ok {
		return domain.TokenRecord{}, domain.ErrNotFound
	}
	out := *record
	if record.DeactivatedAt != nil {
		at := *record.DeactivatedAt
		out.DeactivatedAt = &at
	}
	return out, nil
}

func (r *Registry) LookupByPurchase(ctx context.Context, purchaseID string) (domain.TokenID, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPurchase[purchaseID]
	return id, ok, nil
}

func (r *Registry) ListByInitiative(ctx context.Context, initiativeID string) ([]domain.TokenID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byInit[initiativeID]
	out := make([]domain.TokenID, len(ids))
	copy(out, ids)
	return out, nil
}

func (r *Registry) TotalSupply(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(r.lastID), nil
}

func (r *Registry) Pause(ctx context.Context, operator string) error {
	return r.setPaused(operator, true)
}

func (r *Registry) Unpause(ctx context.Context, operator string) error {
	return r.setPaused(operator, false)
}

func (r *Registry) Paused(ctx context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused, nil
}

func (r *Registry) setPaused(operator string, paused bool) error {
	if operator != r.operator {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
	return nil
}

var _ domain.Registry = (*Registry)(nil)
