package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const stateID = 1

var errMintConflict = errors.New("mint_conflict")

// Registry is a durable token registry on top of the SQL store. Token ids are
// allocated by bumping registry_state.last_token_id inside the same
// transaction that inserts the token, so a rejected mint leaves no trace.
type Registry struct {
	db       *gorm.DB
	operator string
	clock    clock.Clock
	sink     domain.EventSink
	genID    *snowflake.Node
}

// New binds the registry to operator. The first operator recorded in
// registry_state owns the registry; a different operator is refused.
func New(ctx context.Context, db *gorm.DB, operator string, clk clock.Clock, sink domain.EventSink, genID *snowflake.Node) (*Registry, error) {
	if db == nil {
		return nil, errors.New("registry database handle is required")
	}
	if genID == nil {
		return nil, errors.New("registry id generator is required")
	}
	if operator == "" {
		return nil, domain.ErrOperatorRequired
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if sink == nil {
		sink = domain.NopSink{}
	}

	err := db.WithContext(ctx).Exec(
		`INSERT INTO registry_state (id, operator, paused, last_token_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		stateID,
		operator,
		false,
		0,
		clk.Now(),
	).Error
	if err != nil {
		return nil, fmt.Errorf("init registry state: %w", err)
	}

	var state StateRow
	if err := db.WithContext(ctx).Raw(
		`SELECT id, operator, paused, last_token_id FROM registry_state WHERE id = ?`,
		stateID,
	).Scan(&state).Error; err != nil {
		return nil, fmt.Errorf("load registry state: %w", err)
	}
	if state.Operator != operator {
		return nil, domain.ErrOperatorMismatch
	}

	return &Registry{
		db:       db,
		operator: operator,
		clock:    clk,
		sink:     sink,
		genID:    genID,
	}, nil
}

func (r *Registry) Mint(ctx context.Context, operator, purchaseID, initiativeID, customerEmail string) (domain.TokenID, error) {
	if operator != r.operator {
		return 0, domain.ErrUnauthorized
	}
	paused, err := r.Paused(ctx)
	if err != nil {
		return 0, err
	}
	if paused {
		return 0, domain.ErrPaused
	}
	if err := domain.ValidateMintArgs(purchaseID, initiativeID, customerEmail); err != nil {
		return 0, err
	}

	now := r.clock.Now()
	var tokenID uint64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE registry_state
			 SET last_token_id = last_token_id + 1, updated_at = ?
			 WHERE id = ? AND paused = ?`,
			now,
			stateID,
			false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrPaused
		}

		if err := tx.Raw(
			`SELECT last_token_id FROM registry_state WHERE id = ?`,
			stateID,
		).Scan(&tokenID).Error; err != nil {
			return err
		}

		ins := tx.Exec(
			`INSERT INTO registry_tokens (
				token_id, purchase_id, initiative_id, customer_email, minted_at, active
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (purchase_id) DO NOTHING`,
			tokenID,
			purchaseID,
			initiativeID,
			customerEmail,
			now,
			true,
		)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			return errMintConflict
		}

		return r.appendEvent(tx, domain.Event{
			Type:          domain.EventTokenMinted,
			TokenID:       domain.TokenID(tokenID),
			PurchaseID:    purchaseID,
			InitiativeID:  initiativeID,
			CustomerEmail: customerEmail,
			EmittedAt:     now,
		})
	})
	if errors.Is(err, errMintConflict) {
		return 0, domain.ErrDuplicatePurchase
	}
	if err != nil {
		return 0, err
	}

	r.sink.Emit(ctx, domain.Event{
		Type:          domain.EventTokenMinted,
		TokenID:       domain.TokenID(tokenID),
		PurchaseID:    purchaseID,
		InitiativeID:  initiativeID,
		CustomerEmail: customerEmail,
		EmittedAt:     now,
	})
	return domain.TokenID(tokenID), nil
}

func (r *Registry) Deactivate(ctx context.Context, operator string, tokenID domain.TokenID) error {
	if operator != r.operator {
		return domain.ErrUnauthorized
	}

	now := r.clock.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE registry_tokens
			 SET active = ?, deactivated_at = ?
			 WHERE token_id = ? AND active = ?`,
			false,
			now,
			uint64(tokenID),
			true,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Raw(
				`SELECT COUNT(1) FROM registry_tokens WHERE token_id = ?`,
				uint64(tokenID),
			).Scan(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrAlreadyInactive
		}

		return r.appendEvent(tx, domain.Event{
			Type:      domain.EventTokenDeactivated,
			TokenID:   tokenID,
			EmittedAt: now,
		})
	})
	if err != nil {
		return err
	}

	r.sink.Emit(ctx, domain.Event{
		Type:      domain.EventTokenDeactivated,
		TokenID:   tokenID,
		EmittedAt: now,
	})
	return nil
}

func (r *Registry) Lookup(ctx context.Context, tokenID domain.TokenID) (domain.TokenRecord, error) {
	var row TokenRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT token_id, purchase_id, initiative_id, customer_email, minted_at, active, deactivated_at
		 FROM registry_tokens
		 WHERE token_id = ?
		 LIMIT 1`,
		uint64(tokenID),
	).Scan(&row).Error
	if err != nil {
		return domain.TokenRecord{}, err
	}
	if row.TokenID == 0 {
		return domain.TokenRecord{}, domain.ErrNotFound
	}
	return toRecord(row), nil
}

func (r *Registry) LookupByPurchase(ctx context.Context, purchaseID string) (domain.TokenID, bool, error) {
	var tokenID uint64
	err := r.db.WithContext(ctx).Raw(
		`SELECT token_id FROM registry_tokens WHERE purchase_id = ? LIMIT 1`,
		purchaseID,
	).Scan(&tokenID).Error
	if err != nil {
		return 0, false, err
	}
	if tokenID == 0 {
		return 0, false, nil
	}
	return domain.TokenID(tokenID), true, nil
}

func (r *Registry) ListByInitiative(ctx context.Context, initiativeID string) ([]domain.TokenID, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Raw(
		`SELECT token_id FROM registry_tokens WHERE initiative_id = ? ORDER BY token_id ASC`,
		initiativeID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.TokenID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.TokenID(id))
	}
	return out, nil
}

func (r *Registry) TotalSupply(ctx context.Context) (uint64, error) {
	var last uint64
	err := r.db.WithContext(ctx).Raw(
		`SELECT last_token_id FROM registry_state WHERE id = ?`,
		stateID,
	).Scan(&last).Error
	return last, err
}

func (r *Registry) Pause(ctx context.Context, operator string) error {
	return r.setPaused(ctx, operator, true)
}

func (r *Registry) Unpause(ctx context.Context, operator string) error {
	return r.setPaused(ctx, operator, false)
}

func (r *Registry) Paused(ctx context.Context) (bool, error) {
	var state StateRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, paused FROM registry_state WHERE id = ?`,
		stateID,
	).Scan(&state).Error
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

func (r *Registry) setPaused(ctx context.Context, operator string, paused bool) error {
	if operator != r.operator {
		return domain.ErrUnauthorized
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE registry_state SET paused = ?, updated_at = ? WHERE id = ?`,
		paused,
		r.clock.Now(),
		stateID,
	).Error
}

func (r *Registry) appendEvent(tx *gorm.DB, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return tx.Exec(
		`INSERT INTO registry_events (id, event_type, token_id, payload, emitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.genID.Generate(),
		string(event.Type),
		uint64(event.TokenID),
		datatypes.JSON(payload),
		event.EmittedAt,
	).Error
}

func toRecord(row TokenRow) domain.TokenRecord {
	return domain.TokenRecord{
		TokenID:       domain.TokenID(row.TokenID),
		PurchaseID:    row.PurchaseID,
		InitiativeID:  row.InitiativeID,
		CustomerEmail: row.CustomerEmail,
		MintedAt:      row.MintedAt.UTC(),
		Active:        row.Active,
		DeactivatedAt: row.DeactivatedAt,
	}
}

var _ domain.Registry = (*Registry)(nil)
