package fulfillment

import (
	"github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	"github.com/smallbiznis/impactledger/internal/fulfillment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fulfillment.service",
	fx.Provide(
		fx.Annotate(service.NewCoordinator, fx.As(new(domain.Coordinator))),
		service.NewPipeline,
	),
)
