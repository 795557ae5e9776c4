package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
	"github.com/smallbiznis/impactledger/internal/registry/ledger"
	"github.com/smallbiznis/impactledger/internal/registry/memory"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("registry",
	fx.Provide(
		fx.Annotate(NewLogSink, fx.As(new(domain.EventSink))),
	),
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Sink  domain.EventSink
}

// New selects the registry adapter configured by REGISTRY_ADAPTER.
func New(p Params) (domain.Registry, error) {
	operator := strings.TrimSpace(p.Cfg.Registry.Operator)
	if operator == "" {
		return nil, domain.ErrOperatorRequired
	}

	switch p.Cfg.Registry.Adapter {
	case "memory":
		p.Log.Warn("using in-memory token registry; tokens will not survive a restart")
		return memory.New(operator, p.Clock, p.Sink), nil
	case "", "ledger":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ledger.New(ctx, p.DB, operator, p.Clock, p.Sink, p.GenID)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAdapter, p.Cfg.Registry.Adapter)
	}
}
