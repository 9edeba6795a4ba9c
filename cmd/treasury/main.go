package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/distlock"
	"github.com/memberware/treasury/internal/jobs/worker"
	"github.com/memberware/treasury/internal/metricspush"
	"github.com/memberware/treasury/internal/migration"
	"github.com/memberware/treasury/internal/observability"
	"github.com/memberware/treasury/internal/server"
	"github.com/memberware/treasury/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP API plus every domain service it serves
		server.Module,

		// Background processing
		distlock.Module,
		worker.Module,
		metricspush.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
