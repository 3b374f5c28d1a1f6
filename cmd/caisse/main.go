package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/migration"
	"github.com/smallbiznis/caisse/internal/observability"
	"github.com/smallbiznis/caisse/internal/order"
	"github.com/smallbiznis/caisse/internal/scheduler"
	"github.com/smallbiznis/caisse/internal/server"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// HTTP API and the fiscal domains behind it
		server.Module,

		// Background workers
		order.ConsumerModule,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
