package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/metricspush"
	"github.com/memberware/treasury/internal/observability"
	"github.com/memberware/treasury/internal/server"
	"github.com/memberware/treasury/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// HTTP only. Migrations and the job runner belong to the worker
		// deployment, so this process can scale horizontally.
		server.Module,
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
