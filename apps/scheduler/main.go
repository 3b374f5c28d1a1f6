package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/audit"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/closure"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/ledger"
	"github.com/smallbiznis/caisse/internal/lock"
	"github.com/smallbiznis/caisse/internal/migration"
	"github.com/smallbiznis/caisse/internal/observability"
	"github.com/smallbiznis/caisse/internal/order"
	"github.com/smallbiznis/caisse/internal/scheduler"
	"github.com/smallbiznis/caisse/internal/settings"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/fx"
)

// The scheduler process runs automatic daily closures without serving HTTP.
// Several replicas may run; the named lock lets one of them close a day.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Domain services required by scheduler
		lock.Module,
		audit.Module,
		settings.Module,
		order.Module,
		ledger.Module,
		closure.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
