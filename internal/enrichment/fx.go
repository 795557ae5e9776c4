package enrichment

import (
	"context"

	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
	"github.com/smallbiznis/impactledger/internal/enrichment/repository"
	"github.com/smallbiznis/impactledger/internal/enrichment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("enrichment.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(
			func() domain.Processor { return service.SummarizeProcessor{} },
			fx.ResultTags(`group:"enrichment_processors"`),
		),
		fx.Annotate(
			func() domain.Processor { return service.TagProcessor{} },
			fx.ResultTags(`group:"enrichment_processors"`),
		),
	),
	fx.Provide(service.New),
	fx.Provide(func(svc domain.Service) domain.Queue { return svc }),
	fx.Provide(NewRunner),
	fx.Invoke(registerRunner),
)

func registerRunner(lc fx.Lifecycle, runner *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: runner.Stop,
	})
}
