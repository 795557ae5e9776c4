package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/config"
	enrichmentdomain "github.com/smallbiznis/impactledger/internal/enrichment/domain"
	"github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"github.com/smallbiznis/impactledger/internal/realtime"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	mintResultMinted     = "minted"
	mintResultReconciled = "reconciled"
	mintResultExisting   = "existing"
	mintResultRejected   = "rejected"
)

type CoordinatorParams struct {
	fx.In

	Log           *zap.Logger
	AppCfg        config.Config
	Cfg           *config.FulfillmentConfigHolder `optional:"true"`
	Registry      registrydomain.Registry
	PurchaseSvc   purchasedomain.Service
	Notifications notificationdomain.Service
	Publisher     realtime.Publisher     `optional:"true"`
	Queue         enrichmentdomain.Queue `optional:"true"`
	Metrics       *obsmetrics.Metrics    `optional:"true"`
}

type Coordinator struct {
	log           *zap.Logger
	operator      string
	cfg           *config.FulfillmentConfigHolder
	registry      registrydomain.Registry
	purchaseSvc   purchasedomain.Service
	notifications notificationdomain.Service
	publisher     realtime.Publisher
	queue         enrichmentdomain.Queue
	metrics       *obsmetrics.Metrics
	tracer        trace.Tracer
}

func NewCoordinator(p CoordinatorParams) *Coordinator {
	return &Coordinator{
		log:           p.Log.Named("fulfillment.coordinator"),
		operator:      p.AppCfg.Registry.Operator,
		cfg:           p.Cfg,
		registry:      p.Registry,
		purchaseSvc:   p.PurchaseSvc,
		notifications: p.Notifications,
		publisher:     p.Publisher,
		queue:         p.Queue,
		metrics:       p.Metrics,
		tracer:        otel.Tracer("impactledger/fulfillment"),
	}
}

func (c *Coordinator) Fulfill(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string) (domain.MintResult, error) {
	if purchase == nil || initiative == nil {
		return domain.MintResult{}, registrydomain.ErrInvalidArgument
	}
	ctx, span := c.tracer.Start(ctx, "fulfillment.Fulfill", trace.WithAttributes(
		attribute.String("purchase_id", purchase.ID.String()),
		attribute.String("initiative_id", initiative.ID.String()),
	))
	defer span.End()

	log := c.log.With(
		zap.String("purchase_id", purchase.ID.String()),
		zap.String("initiative_id", initiative.ID.String()),
	)

	switch purchase.Status {
	case purchasedomain.StatusMinted:
		if purchase.TokenID != nil {
			obsmetrics.Pipeline().IncMint(mintResultExisting)
			result := existingResult(purchase, initiative)
			// A crash between MarkMinted and the notice leaves the buyer
			// unnotified; NotifyPurchase is once per purchase.
			c.notify(ctx, purchase, initiative, customerEmail, result, log)
			return result, nil
		}
	case purchasedomain.StatusFailed, purchasedomain.StatusRevoked:
		span.SetStatus(codes.Error, "purchase not mintable")
		return domain.MintResult{}, fmt.Errorf("purchase %s is %s: %w", purchase.ID, purchase.Status, purchasedomain.ErrInvalidTransition)
	}

	tokenID, reconciled, err := c.mint(ctx, purchase, initiative, customerEmail)
	if err != nil {
		obsmetrics.Pipeline().IncMint(mintResultRejected)
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageMint, domain.Classify(err).String())
		span.RecordError(err)
		span.SetStatus(codes.Error, "mint failed")
		return domain.MintResult{}, err
	}
	if reconciled {
		obsmetrics.Pipeline().IncMint(mintResultReconciled)
		log.Info("token already registered for purchase, reconciling", zap.Uint64("token_id", tokenID))
	} else {
		obsmetrics.Pipeline().IncMint(mintResultMinted)
	}
	span.SetAttributes(attribute.Int64("token_id", int64(tokenID)))

	txRef := fmt.Sprintf("tx_%d_%s", tokenID, ulid.Make().String())
	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.Get().StoreCall)
	updated, err := c.purchaseSvc.MarkMinted(storeCtx, purchase.ID, tokenID, txRef)
	cancel()
	if err != nil {
		obsmetrics.Pipeline().IncStageError(obsmetrics.StagePersist, obsmetrics.ClassifyStoreError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		log.Error("token minted but purchase update failed", zap.Uint64("token_id", tokenID), zap.Error(err))
		return domain.MintResult{}, fmt.Errorf("persist token %d: %w", tokenID, err)
	}
	*purchase = *updated

	result := domain.MintResult{
		PurchaseID:   purchase.ID,
		InitiativeID: initiative.ID,
		TokenID:      tokenID,
		TxRef:        derefString(purchase.TxRef),
		Reconciled:   reconciled,
	}
	log.Info("purchase fulfilled", zap.Uint64("token_id", tokenID), zap.String("tx_ref", result.TxRef))

	c.afterMint(ctx, purchase, initiative, customerEmail, result, log)
	return result, nil
}

// mint registers the token, treating an existing token for the purchase as success.
func (c *Coordinator) mint(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Get().RegistryCall)
	defer cancel()

	tokenID, err := c.registry.Mint(ctx, c.operator, purchase.ID.String(), initiative.ID.String(), customerEmail)
	if err == nil {
		return uint64(tokenID), false, nil
	}
	if !errors.Is(err, registrydomain.ErrDuplicatePurchase) {
		return 0, false, err
	}

	existing, found, lookupErr := c.registry.LookupByPurchase(ctx, purchase.ID.String())
	if lookupErr != nil {
		return 0, false, lookupErr
	}
	if !found {
		return 0, false, err
	}
	return uint64(existing), true, nil
}

func (c *Coordinator) notify(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string, result domain.MintResult, log *zap.Logger) {
	if c.notifications == nil {
		return
	}
	_, err := c.notifications.NotifyPurchase(ctx, notificationdomain.PurchaseNotice{
		UserID:          purchase.UserID,
		Email:           customerEmail,
		PurchaseID:      purchase.ID,
		TokenID:         result.TokenID,
		TxRef:           result.TxRef,
		InitiativeID:    initiative.ID,
		InitiativeTitle: initiative.Title,
	})
	if err != nil {
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageNotify, obsmetrics.ClassifyStoreError(err))
		log.Warn("purchase notification failed", zap.Error(err))
	}
}

func (c *Coordinator) afterMint(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string, result domain.MintResult, log *zap.Logger) {
	c.notify(ctx, purchase, initiative, customerEmail, result, log)

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, realtime.InitiativeTopic(initiative.ID.String()), realtime.EventInitiativeUpdate, map[string]any{
			"initiative_id": initiative.ID.String(),
			"title":         initiative.Title,
			"purchase_id":   purchase.ID.String(),
			"token_id":      result.TokenID,
		}); err != nil {
			obsmetrics.Pipeline().IncStageError(obsmetrics.StageFanout, "publish")
			log.Warn("initiative update publish failed", zap.Error(err))
		}
		if err := c.publisher.Publish(ctx, realtime.UserTopic(purchase.UserID.String()), realtime.EventPurchaseUpdate, purchaseEvent(purchase)); err != nil {
			obsmetrics.Pipeline().IncStageError(obsmetrics.StageFanout, "publish")
			log.Warn("purchase update publish failed", zap.Error(err))
		}
	}

	if c.queue != nil {
		_, err := c.queue.Enqueue(ctx, enrichmentdomain.KindSummarizeUpdate, enrichmentdomain.InitiativeUpdateInput{
			InitiativeID: initiative.ID.String(),
			PurchaseID:   purchase.ID.String(),
			Text:         "New purchase linked to initiative: " + initiative.Title,
		})
		if err != nil {
			obsmetrics.Pipeline().IncStageError(obsmetrics.StageEnqueue, obsmetrics.ClassifyStoreError(err))
			log.Warn("enrichment enqueue failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) Revoke(ctx context.Context, purchaseID snowflake.ID, reason string) (*purchasedomain.Purchase, error) {
	ctx, span := c.tracer.Start(ctx, "fulfillment.Revoke", trace.WithAttributes(
		attribute.String("purchase_id", purchaseID.String()),
	))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}

	purchase, err := c.purchaseSvc.Get(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.Status == purchasedomain.StatusRevoked {
		return purchase, nil
	}
	if purchase.TokenID == nil {
		return nil, fmt.Errorf("purchase %s has no token: %w", purchaseID, purchasedomain.ErrInvalidTransition)
	}

	registryCtx, cancel := context.WithTimeout(ctx, c.cfg.Get().RegistryCall)
	err = c.registry.Deactivate(registryCtx, c.operator, registrydomain.TokenID(*purchase.TokenID))
	cancel()
	if err != nil && !errors.Is(err, registrydomain.ErrAlreadyInactive) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deactivate failed")
		return nil, err
	}

	updated, err := c.purchaseSvc.MarkRevoked(ctx, purchaseID, reason)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTokenRevoked(ctx, reason)
	c.log.Info("purchase revoked",
		zap.String("purchase_id", purchaseID.String()),
		zap.Uint64("token_id", *purchase.TokenID),
		zap.String("reason", reason),
	)

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, realtime.UserTopic(updated.UserID.String()), realtime.EventPurchaseUpdate, purchaseEvent(updated)); err != nil {
			c.log.Warn("purchase update publish failed", zap.Error(err))
		}
	}
	return updated, nil
}

func existingResult(purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative) domain.MintResult {
	return domain.MintResult{
		PurchaseID:   purchase.ID,
		InitiativeID: initiative.ID,
		TokenID:      *purchase.TokenID,
		TxRef:        derefString(purchase.TxRef),
		Reconciled:   true,
	}
}

func purchaseEvent(p *purchasedomain.Purchase) map[string]any {
	event := map[string]any{
		"purchase_id": p.ID.String(),
		"status":      string(p.Status),
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.TokenID != nil {
		event["token_id"] = *p.TokenID
	}
	if p.TxRef != nil {
		event["tx_ref"] = *p.TxRef
	}
	return event
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
