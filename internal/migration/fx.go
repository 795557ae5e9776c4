package migration

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type params struct {
	fx.In

	Conn  *gorm.DB
	Cfg   config.Config
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  catalogdomain.Repository
}

var Module = fx.Module("migrations",
	fx.Invoke(func(p params) error {
		log := p.Log.Named("migrations")

		if strings.EqualFold(strings.TrimSpace(p.Cfg.DBType), "postgres") {
			sqlDB, err := p.Conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			if err := AutoMigrate(p.Conn); err != nil {
				return err
			}
		}

		if !p.Cfg.SeedCatalog {
			return nil
		}
		inserted, err := seed.EnsureCatalog(context.Background(), p.Conn, p.Repo, p.GenID, p.Clock)
		if err != nil {
			return err
		}
		log.Info("catalog seeded", zap.Int("inserted", inserted))
		return nil
	}),
)
