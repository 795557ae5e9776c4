package ingest

import (
	"github.com/smallbiznis/impactledger/internal/ingest/adapters"
	"github.com/smallbiznis/impactledger/internal/ingest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest.service",
	fx.Provide(adapters.Default),
	fx.Provide(service.New),
)
