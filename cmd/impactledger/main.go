package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/authorization"
	"github.com/smallbiznis/impactledger/internal/catalog"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/cloudmetrics"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/enrichment"
	"github.com/smallbiznis/impactledger/internal/fulfillment"
	"github.com/smallbiznis/impactledger/internal/idempotency"
	"github.com/smallbiznis/impactledger/internal/ingest"
	"github.com/smallbiznis/impactledger/internal/migration"
	"github.com/smallbiznis/impactledger/internal/notification"
	"github.com/smallbiznis/impactledger/internal/observability"
	"github.com/smallbiznis/impactledger/internal/providers/email"
	"github.com/smallbiznis/impactledger/internal/purchase"
	"github.com/smallbiznis/impactledger/internal/ratelimit"
	"github.com/smallbiznis/impactledger/internal/realtime"
	"github.com/smallbiznis/impactledger/internal/registry"
	"github.com/smallbiznis/impactledger/internal/scheduler"
	"github.com/smallbiznis/impactledger/internal/server"
	"github.com/smallbiznis/impactledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		realtime.Module,
		email.Module,

		// Functional Domains
		catalog.Module,
		migration.Module,
		registry.Module,
		idempotency.Module,
		purchase.Module,
		notification.Module,
		enrichment.Module,
		fulfillment.Module,
		ingest.Module,
		authorization.Module,
		scheduler.Module,
		cloudmetrics.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
