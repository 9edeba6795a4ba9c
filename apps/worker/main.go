package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/accounting"
	"github.com/memberware/treasury/internal/audit"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/distlock"
	"github.com/memberware/treasury/internal/jobs"
	"github.com/memberware/treasury/internal/jobs/worker"
	"github.com/memberware/treasury/internal/ledger"
	"github.com/memberware/treasury/internal/metricspush"
	"github.com/memberware/treasury/internal/migration"
	"github.com/memberware/treasury/internal/observability"
	"github.com/memberware/treasury/internal/payout"
	"github.com/memberware/treasury/internal/webhook"
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
		migration.Module,

		// Domain services the job runner drives
		jobs.Module,
		distlock.Module,
		audit.Module,
		ledger.Module,
		webhook.Module,
		payout.Module,
		accounting.Module,

		// No server module!
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
