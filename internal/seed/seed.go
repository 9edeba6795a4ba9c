package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/config"
	"gorm.io/gorm"
)

// EnsureChartOfAccounts materializes the configured chart into the
// accounts table on startup. Existing rows are left untouched, so a
// renamed account in config needs a migration, not a reseed.
func EnsureChartOfAccounts(db *gorm.DB, chart config.ChartConfig) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, account := range chart.Accounts {
			err := tx.WithContext(ctx).Exec(`
				INSERT INTO accounts (id, code, type, name, created_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT (code) DO NOTHING
			`,
				node.Generate(),
				strings.TrimSpace(account.Code),
				strings.TrimSpace(account.Type),
				strings.TrimSpace(account.Name),
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
