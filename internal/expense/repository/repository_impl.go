package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	domain "github.com/memberware/treasury/internal/expense/domain"
	"gorm.io/gorm"
)

type repo struct{}

// Provide returns the expense report repository.
func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertExpenseReport(ctx context.Context, db *gorm.DB, report *domain.ExpenseReport) error {
	return db.WithContext(ctx).Exec(`
		INSERT INTO expense_reports (
			id, user_id, amount, description, expense_date,
			sync_status, accounting_external_id, sync_attempts,
			last_sync_error, last_sync_attempt_at, synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.ID, report.UserID, report.Amount, report.Description, report.ExpenseDate,
		report.SyncStatus, report.AccountingExternalID, report.SyncAttempts,
		report.LastSyncError, report.LastSyncAttemptAt, report.SyncedAt,
		report.CreatedAt, report.UpdatedAt,
	).Error
}

func (r *repo) FindExpenseReportByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ExpenseReport, error) {
	var report domain.ExpenseReport
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM expense_reports WHERE id = ?
	`, id).Scan(&report).Error
	if err != nil {
		return nil, err
	}
	if report.ID == 0 {
		return nil, nil
	}
	return &report, nil
}
