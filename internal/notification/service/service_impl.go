package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/notification/domain"
	"github.com/smallbiznis/impactledger/internal/observability/masking"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	"github.com/smallbiznis/impactledger/internal/providers/email"
	"github.com/smallbiznis/impactledger/internal/realtime"
	"github.com/smallbiznis/impactledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Email     email.Provider
	Publisher realtime.Publisher
	Cfg       *config.FulfillmentConfigHolder `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	email     email.Provider
	publisher realtime.Publisher
	cfg       *config.FulfillmentConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("notification.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		email:     p.Email,
		publisher: p.Publisher,
		cfg:       p.Cfg,
	}
}

func (s *Service) NotifyPurchase(ctx context.Context, notice domain.PurchaseNotice) (*domain.Notification, error) {
	if notice.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}

	payload, err := json.Marshal(map[string]any{
		"purchase_id":      notice.PurchaseID.String(),
		"token_id":         notice.TokenID,
		"tx_ref":           notice.TxRef,
		"initiative_id":    notice.InitiativeID.String(),
		"initiative_title": notice.InitiativeTitle,
	})
	if err != nil {
		return nil, err
	}

	n := &domain.Notification{
		ID:        s.genID.Generate(),
		UserID:    notice.UserID,
		Type:      domain.TypePurchaseConfirmed,
		DedupeKey: notice.PurchaseID.String(),
		Title:     "Purchase Confirmed",
		Message:   fmt.Sprintf("Your purchase has been registered as token #%d.", notice.TokenID),
		Payload:   datatypes.JSON(payload),
		CreatedAt: s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, n)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByDedupe(ctx, s.db, n.UserID, n.Type, n.DedupeKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.ErrNotificationNotFound
		}
		return existing, nil
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, realtime.UserTopic(notice.UserID.String()), realtime.EventNotificationNew, n); err != nil {
			obsmetrics.Pipeline().IncStageError(obsmetrics.StageFanout, "publish")
			s.log.Warn("failed to publish notification", zap.Error(err), zap.String("notification_id", n.ID.String()))
		}
	}

	s.sendEmail(ctx, notice)
	return n, nil
}

func (s *Service) sendEmail(ctx context.Context, notice domain.PurchaseNotice) {
	if s.email == nil || notice.Email == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Get().MailSend)
	defer cancel()

	err := s.email.SendTemplate(sendCtx, []string{notice.Email}, email.TemplatePurchaseConfirmed, map[string]any{
		"purchase_id":      notice.PurchaseID.String(),
		"token_id":         notice.TokenID,
		"tx_ref":           notice.TxRef,
		"initiative_title": notice.InitiativeTitle,
	})
	if err != nil {
		obsmetrics.Pipeline().IncStageError(obsmetrics.StageNotify, "email")
		s.log.Warn("failed to send purchase confirmation email",
			zap.Error(err),
			zap.String("purchase_id", notice.PurchaseID.String()),
			zap.String("recipient", masking.MaskEmail(notice.Email)),
		)
	}
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (*domain.ListResponse, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	pageSize := req.Limit(defaultPageSize, maxPageSize)

	var beforeID *snowflake.ID
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		beforeID = &id
	}

	items, err := s.repo.List(ctx, s.db, req.UserID, beforeID, req.UnreadOnly, pageSize+1)
	if err != nil {
		return nil, err
	}
	items, pageInfo, err := pagination.Page(items, pageSize, func(n *domain.Notification) string {
		return n.ID.String()
	})
	if err != nil {
		return nil, err
	}

	unread, err := s.repo.CountUnread(ctx, s.db, req.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Notification, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return &domain.ListResponse{
		Notifications: out,
		PageInfo:      pageInfo,
		UnreadCount:   unread,
	}, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, id snowflake.ID) error {
	updated, err := s.repo.MarkRead(ctx, s.db, userID, id, s.clock.Now())
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	exists, err := s.repo.Exists(ctx, s.db, userID, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID snowflake.ID) (int64, error) {
	if userID == 0 {
		return 0, domain.ErrInvalidUser
	}
	return s.repo.MarkAllRead(ctx, s.db, userID, s.clock.Now())
}
