package notification

import (
	"github.com/smallbiznis/impactledger/internal/notification/repository"
	"github.com/smallbiznis/impactledger/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
