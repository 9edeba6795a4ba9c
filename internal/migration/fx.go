package migration

import (
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, chart *config.ChartConfigHolder) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		return seed.EnsureChartOfAccounts(conn, chart.Get())
	}),
)
