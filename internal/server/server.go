package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/impactledger/internal/authorization"
	"github.com/smallbiznis/impactledger/internal/config"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	"github.com/smallbiznis/impactledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/impactledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/impactledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/impactledger/internal/observability/tracing"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"github.com/smallbiznis/impactledger/internal/realtime"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	ingestSvc     ingestdomain.Service
	pipeline      fulfillmentdomain.Pipeline
	coordinator   fulfillmentdomain.Coordinator
	registry      registrydomain.Registry
	purchaseSvc   purchasedomain.Service
	notifications notificationdomain.Service
	hub           *realtime.Hub
	authzSvc      authorization.Service
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	IngestSvc     ingestdomain.Service
	Pipeline      fulfillmentdomain.Pipeline
	Coordinator   fulfillmentdomain.Coordinator
	Registry      registrydomain.Registry
	PurchaseSvc   purchasedomain.Service
	Notifications notificationdomain.Service
	Hub           *realtime.Hub
	AuthzSvc      authorization.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		ingestSvc:     p.IngestSvc,
		pipeline:      p.Pipeline,
		coordinator:   p.Coordinator,
		registry:      p.Registry,
		purchaseSvc:   p.PurchaseSvc,
		notifications: p.Notifications,
		hub:           p.Hub,
		authzSvc:      p.AuthzSvc,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")

	webhooks.POST("/orders/:source", s.HandleOrderWebhook)
	webhooks.POST("/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Registry --------
	api.GET("/tokens/:id", s.GetToken)
	api.GET("/purchases/:id/token", s.GetPurchaseToken)
	api.GET("/initiatives/:id/tokens", s.ListInitiativeTokens)

	// -------- Notifications --------
	api.GET("/users/:id/purchases", s.ListUserPurchases)
	api.GET("/users/:id/notifications", s.ListNotifications)
	api.POST("/users/:id/notifications/read-all", s.MarkAllNotificationsRead)
	api.POST("/users/:id/notifications/:nid/read", s.MarkNotificationRead)

	// -------- Realtime --------
	api.GET("/realtime", s.StreamRealtimeEvents)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminKeyRequired())

	admin.GET("/registry", s.authorizeAction(authorization.ObjectRegistry, authorization.ActionRegistryView), s.GetRegistryStatus)
	admin.POST("/registry/pause", s.authorizeAction(authorization.ObjectRegistry, authorization.ActionRegistryPause), s.PauseRegistry)
	admin.POST("/registry/unpause", s.authorizeAction(authorization.ObjectRegistry, authorization.ActionRegistryUnpause), s.UnpauseRegistry)

	admin.POST("/tokens/:id/deactivate", s.authorizeAction(authorization.ObjectToken, authorization.ActionTokenDeactivate), s.DeactivateToken)

	admin.GET("/purchases/:id", s.authorizeAction(authorization.ObjectPurchase, authorization.ActionPurchaseView), s.GetPurchase)
	admin.POST("/purchases/:id/revoke", s.authorizeAction(authorization.ObjectPurchase, authorization.ActionPurchaseRevoke), s.RevokePurchase)
}
