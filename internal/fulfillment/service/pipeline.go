package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	"github.com/smallbiznis/impactledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type PipelineParams struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Cfg         *config.FulfillmentConfigHolder `optional:"true"`
	Idempotency idempotencydomain.Service
	PurchaseSvc purchasedomain.Service
	Coordinator domain.Coordinator
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Pipeline struct {
	log         *zap.Logger
	clock       clock.Clock
	cfg         *config.FulfillmentConfigHolder
	idempotency idempotencydomain.Service
	purchaseSvc purchasedomain.Service
	coordinator domain.Coordinator
	metrics     *obsmetrics.Metrics
	tracer      trace.Tracer
}

func NewPipeline(p PipelineParams) domain.Pipeline {
	return &Pipeline{
		log:         p.Log.Named("fulfillment.pipeline"),
		clock:       p.Clock,
		cfg:         p.Cfg,
		idempotency: p.Idempotency,
		purchaseSvc: p.PurchaseSvc,
		coordinator: p.Coordinator,
		metrics:     p.Metrics,
		tracer:      otel.Tracer("impactledger/fulfillment"),
	}
}

// ProcessOrder runs one order end to end under the pipeline budget. Steps
// within the order are sequential; concurrent deliveries of the same order
// are serialized by the idempotency ledger.
func (p *Pipeline) ProcessOrder(ctx context.Context, order ingestdomain.OrderEvent) (domain.OrderResult, error) {
	start := p.clock.Now()
	if err := order.Validate(); err != nil {
		p.observe(ctx, order.Source, "rejected", start)
		return domain.OrderResult{}, err
	}

	ctx, span := p.tracer.Start(ctx, "fulfillment.ProcessOrder", trace.WithAttributes(
		attribute.String("order_source", order.Source),
		attribute.String("external_order_id", order.ExternalOrderID),
	))
	defer span.End()

	log := logger.WithOrder(logger.WithContext(ctx, p.log), order.Source, order.ExternalOrderID)
	cfg := p.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.PipelineBudget)
	defer cancel()

	payload, err := json.Marshal(order)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("%w: %v", ingestdomain.ErrInvalidEvent, err)
	}

	begin, err := p.idempotency.BeginOrReplay(ctx, order.Source, order.ExternalOrderID, payload)
	if err != nil {
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageRecord, obsmetrics.ClassifyStoreError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		p.observe(ctx, order.Source, "failed_"+domain.Classify(err).String(), start)
		return domain.OrderResult{}, fmt.Errorf("begin order: %w", err)
	}

	switch begin.Outcome {
	case idempotencydomain.OutcomeAlreadyCompleted:
		result := domain.OrderResult{Outcome: domain.OutcomeReplayed}
		if begin.Result != nil {
			result.PurchaseIDs = begin.Result.PurchaseIDs
			result.TokenIDs = begin.Result.TokenIDs
		}
		log.Info("order already completed, replaying result")
		p.observe(ctx, order.Source, string(domain.OutcomeReplayed), start)
		return result, nil
	case idempotencydomain.OutcomeInFlight:
		log.Info("order already in flight")
		p.observe(ctx, order.Source, string(domain.OutcomeInFlight), start)
		return domain.OrderResult{Outcome: domain.OutcomeInFlight}, nil
	}

	log = log.With(zap.Int("attempt", begin.Attempt))
	result, err := p.run(ctx, order)
	if err != nil {
		class := domain.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, class.String())
		p.fail(ctx, order, begin.Attempt, err, class, log)
		p.observe(ctx, order.Source, "failed_"+class.String(), start)
		return domain.OrderResult{}, err
	}

	if err := p.idempotency.Complete(ctx, order.Source, order.ExternalOrderID, begin.Attempt, idempotencydomain.Result{
		PurchaseIDs: result.PurchaseIDs,
		TokenIDs:    result.TokenIDs,
	}); err != nil {
		// Tokens are minted; a later delivery reclaims the stale record and
		// reconciles against the registry without minting again.
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageComplete, obsmetrics.ClassifyStoreError(err))
		log.Error("order fulfilled but completion was not recorded", zap.Error(err))
		p.observe(ctx, order.Source, "failed_transient", start)
		return domain.OrderResult{}, fmt.Errorf("complete order: %w", err)
	}

	log.Info("order completed",
		zap.Strings("purchase_ids", result.PurchaseIDs),
		zap.Uint64s("token_ids", result.TokenIDs),
	)
	p.observe(ctx, order.Source, string(domain.OutcomeCompleted), start)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, order ingestdomain.OrderEvent) (domain.OrderResult, error) {
	purchases, err := p.purchaseSvc.Record(ctx, order)
	if err != nil {
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageRecord, domain.Classify(err).String())
		return domain.OrderResult{}, fmt.Errorf("record purchases: %w", err)
	}

	result := domain.OrderResult{
		Outcome:     domain.OutcomeCompleted,
		PurchaseIDs: make([]string, 0, len(purchases)),
		TokenIDs:    make([]uint64, 0, len(purchases)),
	}
	for i := range purchases {
		purchase := &purchases[i]
		initiative, err := p.purchaseSvc.AssignInitiative(ctx, purchase)
		if err != nil {
			obsmetrics.Pipeline().IncStageError(obsmetrics.StageAssign, domain.Classify(err).String())
			return domain.OrderResult{}, fmt.Errorf("assign initiative for purchase %s: %w", purchase.ID, err)
		}

		minted, err := p.coordinator.Fulfill(ctx, purchase, initiative, order.Customer.Email)
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("fulfill purchase %s: %w", purchase.ID, err)
		}
		result.PurchaseIDs = append(result.PurchaseIDs, purchase.ID.String())
		result.TokenIDs = append(result.TokenIDs, minted.TokenID)
	}
	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, order ingestdomain.OrderEvent, attempt int, cause error, class domain.Class, log *zap.Logger) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Get().StoreCall)
	defer cancel()

	if err := p.idempotency.Fail(failCtx, order.Source, order.ExternalOrderID, attempt, cause.Error(), class.Retryable()); err != nil {
		log.Error("failed to record order failure", zap.Error(err), zap.NamedError("cause", cause))
	}

	switch class {
	case domain.ClassFatal:
		log.Error("order failed and needs attention",
			zap.Bool("alert", true),
			zap.String("class", class.String()),
			zap.Error(cause),
		)
	default:
		log.Warn("order failed",
			zap.String("class", class.String()),
			zap.Bool("retryable", class.Retryable()),
			zap.Error(cause),
		)
	}
}

func (p *Pipeline) HandlePayment(ctx context.Context, event ingestdomain.PaymentEvent) (domain.PaymentResult, error) {
	p.metrics.RecordPaymentEvent(ctx, event.Provider, string(event.Type))
	log := p.log.With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", string(event.Type)),
	)

	switch event.Type {
	case ingestdomain.PaymentSucceeded, ingestdomain.CheckoutCompleted:
		if event.Order == nil {
			return domain.PaymentResult{}, fmt.Errorf("%w: payment event carries no order", ingestdomain.ErrInvalidPayload)
		}
		result, err := p.ProcessOrder(ctx, *event.Order)
		if err != nil {
			return domain.PaymentResult{}, err
		}
		return domain.PaymentResult{
			Action:   domain.PaymentActionFulfilled,
			Order:    &result,
			Affected: int64(len(result.TokenIDs)),
		}, nil

	case ingestdomain.PaymentFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = "payment_failed"
		}
		count, err := p.purchaseSvc.MarkFailed(ctx, event.Ref.Source, event.Ref.ExternalOrderID, reason)
		if err != nil {
			return domain.PaymentResult{}, err
		}
		log.Info("payment failed, purchases not minted", zap.Int64("purchase_count", count))
		return domain.PaymentResult{Action: domain.PaymentActionFailed, Affected: count}, nil

	case ingestdomain.Refunded:
		purchases, err := p.purchaseSvc.ListByOrder(ctx, event.Ref.Source, event.Ref.ExternalOrderID)
		if err != nil {
			return domain.PaymentResult{}, err
		}
		var (
			revoked int64
			joined  error
		)
		for _, purchase := range purchases {
			if purchase.TokenID == nil || purchase.Status == purchasedomain.StatusRevoked {
				continue
			}
			if _, err := p.coordinator.Revoke(ctx, purchase.ID, "refund"); err != nil {
				joined = errors.Join(joined, fmt.Errorf("revoke purchase %s: %w", purchase.ID, err))
				continue
			}
			revoked++
		}
		if joined != nil {
			return domain.PaymentResult{Action: domain.PaymentActionRevoked, Affected: revoked}, joined
		}
		log.Info("refund compensated", zap.Int64("revoked", revoked))
		return domain.PaymentResult{Action: domain.PaymentActionRevoked, Affected: revoked}, nil

	default:
		return domain.PaymentResult{}, ingestdomain.ErrEventIgnored
	}
}

func (p *Pipeline) observe(ctx context.Context, source, outcome string, start time.Time) {
	obsmetrics.Pipeline().ObserveOrder(source, outcome, p.clock.Now().Sub(start))
	p.metrics.RecordOrder(ctx, source, outcome)
}
