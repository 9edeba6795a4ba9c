package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/memberware/treasury/internal/accounting/domain"
	"gorm.io/gorm"
)

const maxSyncErrorLen = 512

// syncTables maps entity kinds to the tables carrying embedded sync
// columns. Table names interpolated into SQL come only from this map.
var syncTables = map[string]string{
	domain.EntityTypePayment:       "payments",
	domain.EntityTypeRefund:        "refunds",
	domain.EntityTypePayout:        "payouts",
	domain.EntityTypeExpenseReport: "expense_reports",
}

type repo struct{}

// Provide returns the accounting sync repository.
func Provide() domain.Repository {
	return &repo{}
}

func tableFor(entityType string) (string, error) {
	table, ok := syncTables[entityType]
	if !ok {
		return "", domain.ErrUnknownEntityType
	}
	return table, nil
}

func (r *repo) FindEntity(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID) (*domain.EntityView, error) {
	switch entityType {
	case domain.EntityTypePayment:
		return r.findPayment(ctx, db, entityID)
	case domain.EntityTypeRefund:
		return r.findRefund(ctx, db, entityID)
	case domain.EntityTypePayout:
		return r.findPayout(ctx, db, entityID)
	case domain.EntityTypeExpenseReport:
		return r.findExpenseReport(ctx, db, entityID)
	default:
		return nil, domain.ErrUnknownEntityType
	}
}

func (r *repo) findPayment(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*domain.EntityView, error) {
	var row struct {
		ID                   snowflake.ID      `gorm:"column:id"`
		Amount               int64             `gorm:"column:amount"`
		ReferenceID          string            `gorm:"column:reference_id"`
		Description          string            `gorm:"column:description"`
		PaymentDate          time.Time         `gorm:"column:payment_date"`
		ExternalProvider     string            `gorm:"column:external_provider"`
		ExternalPaymentID    string            `gorm:"column:external_payment_id"`
		UserID               string            `gorm:"column:user_id"`
		SyncStatus           domain.SyncStatus `gorm:"column:sync_status"`
		AccountingExternalID *string           `gorm:"column:accounting_external_id"`
		SyncAttempts         int               `gorm:"column:sync_attempts"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, amount, reference_id, description, payment_date, external_provider,
			external_payment_id, user_id, sync_status, accounting_external_id, sync_attempts
		FROM payments WHERE id = ?
	`, entityID).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &domain.EntityView{
		EntityType:  domain.EntityTypePayment,
		EntityID:    row.ID,
		Status:      row.SyncStatus,
		ExternalID:  row.AccountingExternalID,
		Attempts:    row.SyncAttempts,
		Amount:      row.Amount,
		Reference:   row.ReferenceID,
		Description: row.Description,
		OccurredAt:  row.PaymentDate,
		Metadata: map[string]any{
			"external_provider":   row.ExternalProvider,
			"external_payment_id": row.ExternalPaymentID,
			"user_id":             row.UserID,
		},
	}, nil
}

func (r *repo) findRefund(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*domain.EntityView, error) {
	var row struct {
		ID                   snowflake.ID      `gorm:"column:id"`
		Amount               int64             `gorm:"column:amount"`
		ExternalRefundID     string            `gorm:"column:external_refund_id"`
		Reason               string            `gorm:"column:reason"`
		PaymentID            snowflake.ID      `gorm:"column:payment_id"`
		CreatedAt            time.Time         `gorm:"column:created_at"`
		SyncStatus           domain.SyncStatus `gorm:"column:sync_status"`
		AccountingExternalID *string           `gorm:"column:accounting_external_id"`
		SyncAttempts         int               `gorm:"column:sync_attempts"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, amount, external_refund_id, reason, payment_id, created_at,
			sync_status, accounting_external_id, sync_attempts
		FROM refunds WHERE id = ?
	`, entityID).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &domain.EntityView{
		EntityType:  domain.EntityTypeRefund,
		EntityID:    row.ID,
		Status:      row.SyncStatus,
		ExternalID:  row.AccountingExternalID,
		Attempts:    row.SyncAttempts,
		Amount:      row.Amount,
		Reference:   row.ExternalRefundID,
		Description: row.Reason,
		OccurredAt:  row.CreatedAt,
		Metadata: map[string]any{
			"payment_id": row.PaymentID.String(),
		},
	}, nil
}

func (r *repo) findPayout(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*domain.EntityView, error) {
	var row struct {
		ID                   snowflake.ID      `gorm:"column:id"`
		Amount               int64             `gorm:"column:amount"`
		ExternalPayoutID     string            `gorm:"column:external_payout_id"`
		ExternalProvider     string            `gorm:"column:external_provider"`
		FeeTotal             *int64            `gorm:"column:fee_total"`
		ArrivalDate          *time.Time        `gorm:"column:arrival_date"`
		CreatedAt            time.Time         `gorm:"column:created_at"`
		SyncStatus           domain.SyncStatus `gorm:"column:sync_status"`
		AccountingExternalID *string           `gorm:"column:accounting_external_id"`
		SyncAttempts         int               `gorm:"column:sync_attempts"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, amount, external_payout_id, external_provider, fee_total, arrival_date,
			created_at, sync_status, accounting_external_id, sync_attempts
		FROM payouts WHERE id = ?
	`, entityID).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	occurredAt := row.CreatedAt
	if row.ArrivalDate != nil {
		occurredAt = *row.ArrivalDate
	}
	metadata := map[string]any{
		"external_provider": row.ExternalProvider,
	}
	if row.FeeTotal != nil {
		metadata["fee_total"] = *row.FeeTotal
	}
	return &domain.EntityView{
		EntityType: domain.EntityTypePayout,
		EntityID:   row.ID,
		Status:     row.SyncStatus,
		ExternalID: row.AccountingExternalID,
		Attempts:   row.SyncAttempts,
		Amount:     row.Amount,
		Reference:  row.ExternalPayoutID,
		OccurredAt: occurredAt,
		Metadata:   metadata,
	}, nil
}

func (r *repo) findExpenseReport(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*domain.EntityView, error) {
	var row struct {
		ID                   snowflake.ID      `gorm:"column:id"`
		Amount               int64             `gorm:"column:amount"`
		Description          string            `gorm:"column:description"`
		UserID               string            `gorm:"column:user_id"`
		ExpenseDate          time.Time         `gorm:"column:expense_date"`
		SyncStatus           domain.SyncStatus `gorm:"column:sync_status"`
		AccountingExternalID *string           `gorm:"column:accounting_external_id"`
		SyncAttempts         int               `gorm:"column:sync_attempts"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, amount, description, user_id, expense_date,
			sync_status, accounting_external_id, sync_attempts
		FROM expense_reports WHERE id = ?
	`, entityID).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &domain.EntityView{
		EntityType:  domain.EntityTypeExpenseReport,
		EntityID:    row.ID,
		Status:      row.SyncStatus,
		ExternalID:  row.AccountingExternalID,
		Attempts:    row.SyncAttempts,
		Amount:      row.Amount,
		Reference:   fmt.Sprintf("EXP-%s", row.ID.String()),
		Description: row.Description,
		OccurredAt:  row.ExpenseDate,
		Metadata: map[string]any{
			"user_id": row.UserID,
		},
	}, nil
}

func (r *repo) ClaimEntity(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, at time.Time) (bool, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(fmt.Sprintf(`
		UPDATE %s
		SET sync_status = ?, sync_attempts = sync_attempts + 1, last_sync_attempt_at = ?, updated_at = ?
		WHERE id = ? AND sync_status IN ?
	`, table),
		domain.SyncStatusSyncing, at, at, entityID,
		[]domain.SyncStatus{domain.SyncStatusPending, domain.SyncStatusFailed},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSynced(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, externalID string, at time.Time) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(fmt.Sprintf(`
		UPDATE %s
		SET sync_status = ?, accounting_external_id = ?, last_sync_error = NULL, synced_at = ?, updated_at = ?
		WHERE id = ?
	`, table),
		domain.SyncStatusSynced, externalID, at, at, entityID,
	).Error
}

func (r *repo) MarkSyncFailed(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, cause string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if len(cause) > maxSyncErrorLen {
		cause = cause[:maxSyncErrorLen]
	}
	return db.WithContext(ctx).Exec(fmt.Sprintf(`
		UPDATE %s
		SET sync_status = ?, last_sync_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, table),
		domain.SyncStatusFailed, cause, entityID,
	).Error
}

func (r *repo) ResetSyncState(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID) (bool, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(fmt.Sprintf(`
		UPDATE %s
		SET sync_status = ?, sync_attempts = 0, last_sync_error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND sync_status = ?
	`, table),
		domain.SyncStatusPending, entityID, domain.SyncStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListUnsynced(ctx context.Context, db *gorm.DB, entityType string, before time.Time, limit int) ([]snowflake.ID, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID snowflake.ID `gorm:"column:id"`
	}
	err = db.WithContext(ctx).Raw(fmt.Sprintf(`
		SELECT id FROM %s
		WHERE sync_status = ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, table),
		domain.SyncStatusPending, before, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}
