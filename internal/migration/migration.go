package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	enrichmentdomain "github.com/smallbiznis/impactledger/internal/enrichment/domain"
	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"github.com/smallbiznis/impactledger/internal/registry/ledger"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres schema.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every table the service owns, for dialects without SQL
// migrations (sqlite, mysql) and for tests.
func Models() []any {
	models := []any{
		&catalogdomain.User{},
		&catalogdomain.Product{},
		&catalogdomain.Initiative{},
		&purchasedomain.Purchase{},
		&idempotencydomain.Record{},
		&notificationdomain.Notification{},
		&enrichmentdomain.Job{},
	}
	return append(models, ledger.Models()...)
}

// AutoMigrate creates the schema from the gorm models.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(Models()...)
}
