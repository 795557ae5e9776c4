package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// NormalizeEmail lower-cases and trims an address for identity matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) EnsureUser(ctx context.Context, email, name string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	normalized := NormalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return nil, domain.ErrInvalidEmail
	}

	existing, err := s.repo.FindUserByEmail(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:              s.genID.Generate(),
		Email:           email,
		EmailNormalized: normalized,
		Name:            strings.TrimSpace(name),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := s.repo.InsertUser(ctx, s.db, user)
	if err != nil {
		return nil, err
	}
	if inserted {
		return user, nil
	}

	// Lost the insert race; the winner's row is authoritative.
	existing, err = s.repo.FindUserByEmail(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrUserMissing
	}
	return existing, nil
}

func (s *Service) GetUser(ctx context.Context, id snowflake.ID) (*domain.User, error) {
	user, err := s.repo.FindUserByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.ErrUserMissing
	}
	return user, nil
}

func (s *Service) ProductsBySKU(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	unique := make([]string, 0, len(skus))
	seen := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		sku = strings.TrimSpace(sku)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		unique = append(unique, sku)
	}

	items, err := s.repo.ListProductsBySKU(ctx, s.db, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Product, len(items))
	for _, item := range items {
		out[item.SKU] = item
	}
	return out, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return nil, domain.ErrInvalidSKU
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.ErrInvalidTitle
	}
	if req.Price.IsNegative() {
		return nil, domain.ErrInvalidPrice
	}

	now := s.clock.Now()
	product := &domain.Product{
		ID:        s.genID.Generate(),
		SKU:       sku,
		Title:     title,
		Price:     req.Price,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := s.repo.InsertProduct(ctx, s.db, product)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.ProductsBySKU(ctx, []string{sku})
		if err != nil {
			return nil, err
		}
		if item, ok := existing[sku]; ok {
			return &item, nil
		}
		return nil, domain.ErrInvalidSKU
	}
	return product, nil
}

func (s *Service) CreateInitiative(ctx context.Context, req domain.CreateInitiativeRequest) (*domain.Initiative, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.ErrInvalidTitle
	}
	status := req.Status
	if status == "" {
		status = domain.InitiativePlanned
	}
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	initiative := &domain.Initiative{
		ID:          s.genID.Generate(),
		Slug:        slug.Make(title),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Region:      strings.TrimSpace(req.Region),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := s.repo.InsertInitiative(ctx, s.db, initiative)
	if err != nil {
		return nil, err
	}
	if !inserted {
		initiative.Slug = fmt.Sprintf("%s-%s", initiative.Slug, initiative.ID.Base36())
		inserted, err = s.repo.InsertInitiative(ctx, s.db, initiative)
		if err != nil {
			return nil, err
		}
		if !inserted {
			return nil, fmt.Errorf("initiative slug %q already taken", initiative.Slug)
		}
	}

	s.log.Info("initiative created",
		zap.String("initiative_id", initiative.ID.String()),
		zap.String("slug", initiative.Slug),
	)
	return initiative, nil
}

func (s *Service) GetInitiative(ctx context.Context, id snowflake.ID) (*domain.Initiative, error) {
	item, err := s.repo.FindInitiativeByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrInitiativeMissing
	}
	return item, nil
}

func (s *Service) EligibleInitiatives(ctx context.Context) ([]domain.Initiative, error) {
	return s.repo.ListInitiativesByStatus(ctx, s.db, domain.InitiativeInProgress)
}

func (s *Service) SetInitiativeStatus(ctx context.Context, id snowflake.ID, status domain.InitiativeStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	updated, err := s.repo.UpdateInitiativeStatus(ctx, s.db, id, status, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrInitiativeMissing
	}
	return nil
}
