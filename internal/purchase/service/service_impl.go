package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	"github.com/smallbiznis/impactledger/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 50

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	CatalogSvc catalogdomain.Service
	Cfg        *config.FulfillmentConfigHolder `optional:"true"`
	Policy     domain.Policy                   `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	catalogSvc catalogdomain.Service
	cfg        *config.FulfillmentConfigHolder
	policy     domain.Policy
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("purchase.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		catalogSvc: p.CatalogSvc,
		cfg:        p.Cfg,
		policy:     p.Policy,
	}
}

type lineGroup struct {
	sku      string
	product  catalogdomain.Product
	quantity int
	total    decimal.Decimal
}

func (s *Service) Record(ctx context.Context, order ingestdomain.OrderEvent) ([]domain.Purchase, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	user, err := s.catalogSvc.EnsureUser(ctx, order.Customer.Email, order.Customer.Name())
	if err != nil {
		return nil, err
	}

	skus := make([]string, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		skus = append(skus, item.SKU)
	}
	products, err := s.catalogSvc.ProductsBySKU(ctx, skus)
	if err != nil {
		return nil, err
	}

	groups := make([]*lineGroup, 0, len(order.LineItems))
	bySKU := make(map[string]*lineGroup, len(order.LineItems))
	for _, item := range order.LineItems {
		product, ok := products[item.SKU]
		if !ok {
			s.log.Warn("skipping line item with unknown sku",
				zap.String("order_source", order.Source),
				zap.String("external_order_id", order.ExternalOrderID),
				zap.String("sku", item.SKU),
			)
			continue
		}
		group, ok := bySKU[item.SKU]
		if !ok {
			group = &lineGroup{sku: item.SKU, product: product, total: decimal.Zero}
			bySKU[item.SKU] = group
			groups = append(groups, group)
		}
		group.quantity += item.Quantity
		group.total = group.total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if len(groups) == 0 {
		return nil, domain.ErrNoPurchasableItems
	}

	now := s.clock.Now()
	out := make([]domain.Purchase, 0, len(groups))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, group := range groups {
			purchase := domain.Purchase{
				ID:              s.genID.Generate(),
				UserID:          user.ID,
				ProductID:       group.product.ID,
				Quantity:        group.quantity,
				Total:           group.total,
				Currency:        order.Currency,
				Source:          order.Source,
				ExternalOrderID: order.ExternalOrderID,
				SKU:             group.sku,
				Status:          domain.StatusCreated,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			inserted, err := s.repo.Insert(ctx, tx, &purchase)
			if err != nil {
				return err
			}
			if inserted {
				out = append(out, purchase)
				continue
			}

			existing, err := s.repo.FindByOrderSKU(ctx, tx, order.Source, order.ExternalOrderID, group.sku)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrPurchaseNotFound
			}
			out = append(out, *existing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("purchases recorded",
		zap.String("order_source", order.Source),
		zap.String("external_order_id", order.ExternalOrderID),
		zap.Int("purchase_count", len(out)),
	)
	return out, nil
}

func (s *Service) AssignInitiative(ctx context.Context, purchase *domain.Purchase) (*catalogdomain.Initiative, error) {
	if purchase == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if purchase.InitiativeID != nil {
		return s.catalogSvc.GetInitiative(ctx, *purchase.InitiativeID)
	}

	candidates, err := s.catalogSvc.EligibleInitiatives(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoEligibleInitiative
	}

	choice, err := s.currentPolicy().Choose(*purchase, candidates)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.SetInitiative(ctx, s.db, purchase.ID, choice.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if updated {
		id := choice.ID
		purchase.InitiativeID = &id
		return &choice, nil
	}

	// Another assigner won the compare-and-set; adopt its choice.
	current, err := s.repo.FindByID(ctx, s.db, purchase.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if current.InitiativeID == nil {
		return nil, errors.New("initiative assignment lost without a winner")
	}
	purchase.InitiativeID = current.InitiativeID
	return s.catalogSvc.GetInitiative(ctx, *current.InitiativeID)
}

func (s *Service) MarkMinted(ctx context.Context, id snowflake.ID, tokenID uint64, txRef string) (*domain.Purchase, error) {
	updated, err := s.repo.MarkMinted(ctx, s.db, id, tokenID, txRef, s.clock.Now())
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if updated {
		return current, nil
	}
	if current.Status == domain.StatusMinted && current.TokenID != nil && *current.TokenID == tokenID {
		return current, nil
	}
	return nil, domain.ErrInvalidTransition
}

func (s *Service) MarkFailed(ctx context.Context, source, externalOrderID, reason string) (int64, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	externalOrderID = strings.TrimSpace(externalOrderID)
	if source == "" || externalOrderID == "" {
		return 0, ingestdomain.ErrInvalidEvent
	}
	count, err := s.repo.MarkFailedByOrder(ctx, s.db, source, externalOrderID, strings.TrimSpace(reason), s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.log.Info("purchases marked failed",
		zap.String("order_source", source),
		zap.String("external_order_id", externalOrderID),
		zap.Int64("purchase_count", count),
	)
	return count, nil
}

func (s *Service) MarkRevoked(ctx context.Context, id snowflake.ID, reason string) (*domain.Purchase, error) {
	updated, err := s.repo.MarkRevoked(ctx, s.db, id, strings.TrimSpace(reason), s.clock.Now())
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if updated || current.Status == domain.StatusRevoked {
		return current, nil
	}
	return nil, domain.ErrInvalidTransition
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Purchase, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	return item, nil
}

func (s *Service) ListByOrder(ctx context.Context, source, externalOrderID string) ([]domain.Purchase, error) {
	return s.repo.ListByOrder(ctx, s.db, strings.ToLower(strings.TrimSpace(source)), strings.TrimSpace(externalOrderID))
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]domain.Purchase, error) {
	if limit <= 0 || limit > 250 {
		limit = defaultListLimit
	}
	return s.repo.ListByUser(ctx, s.db, userID, limit)
}

func (s *Service) currentPolicy() domain.Policy {
	if s.policy != nil {
		return s.policy
	}
	return PolicyFor(s.cfg.Get().AssignmentPolicy)
}
