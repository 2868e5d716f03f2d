package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/serpco/storefront/internal/alert"
	"github.com/serpco/storefront/internal/backfill"
	"github.com/serpco/storefront/internal/checkout"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/entitlements"
	"github.com/serpco/storefront/internal/logger"
	"github.com/serpco/storefront/internal/migration"
	"github.com/serpco/storefront/internal/observability"
	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/scheduler"
	"github.com/serpco/storefront/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Backfill dependencies, no HTTP surface.
		offers.Module,
		checkout.Module,
		entitlements.Module,
		alert.Module,
		backfill.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
