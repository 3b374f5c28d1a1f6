package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/lock"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&ledgerdomain.JournalEntry{},
		&ledgerdomain.LedgerHead{},
		&closuredomain.ClosureBulletin{},
		&archivedomain.ArchiveExport{},
		&settingsdomain.FiscalSetting{},
		&lock.SchedulerLock{},
		&auditdomain.AuditLog{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&orderdomain.OrderPayment{},
		&orderdomain.OrderEvent{},
	}
}

// Migrate brings the schema up to date. Postgres runs the embedded SQL
// migrations, which also install the immutability triggers; other dialects
// use AutoMigrate and rely on the model hooks.
func Migrate(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dbType == db.TypePostgres {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}

	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if dbType == db.TypeSQLite {
		if err := conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_closure_bulletins_period
			ON closure_bulletins (register_id, closure_type, period_key) WHERE forced = 0`).Error; err != nil {
			return fmt.Errorf("create closure index: %w", err)
		}
	}
	return nil
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
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

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
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
