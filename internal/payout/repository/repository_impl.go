package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	domain "github.com/memberware/treasury/internal/payout/domain"
	"gorm.io/gorm"
)

type repo struct{}

// Provide returns the payout repository.
func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertPayout(ctx context.Context, db *gorm.DB, payout *domain.Payout) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		INSERT INTO payouts (
			id, external_payout_id, external_provider, amount, fee_total,
			status, unresolved_count, unresolved_refs, arrival_date,
			sync_status, accounting_external_id, sync_attempts,
			last_sync_error, last_sync_attempt_at, synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_payout_id) DO NOTHING
	`,
		payout.ID, payout.ExternalPayoutID, payout.ExternalProvider, payout.Amount, payout.FeeTotal,
		payout.Status, payout.UnresolvedCount, payout.UnresolvedRefs, payout.ArrivalDate,
		payout.SyncStatus, payout.AccountingExternalID, payout.SyncAttempts,
		payout.LastSyncError, payout.LastSyncAttemptAt, payout.SyncedAt,
		payout.CreatedAt, payout.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPayoutByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payout, error) {
	var payout domain.Payout
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM payouts WHERE id = ?
	`, id).Scan(&payout).Error
	if err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, nil
	}
	return &payout, nil
}

func (r *repo) FindPayoutByExternalID(ctx context.Context, db *gorm.DB, externalPayoutID string) (*domain.Payout, error) {
	var payout domain.Payout
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM payouts WHERE external_payout_id = ?
	`, externalPayoutID).Scan(&payout).Error
	if err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, nil
	}
	return &payout, nil
}

func (r *repo) MapPaymentsByExternalID(ctx context.Context, db *gorm.DB, externalIDs []string) (map[string]snowflake.ID, error) {
	out := make(map[string]snowflake.ID, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		ID         snowflake.ID `gorm:"column:id"`
		ExternalID string       `gorm:"column:external_payment_id"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, external_payment_id FROM payments WHERE external_payment_id IN ?
	`, externalIDs).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ExternalID] = row.ID
	}
	return out, nil
}

func (r *repo) MapRefundsByExternalID(ctx context.Context, db *gorm.DB, externalIDs []string) (map[string]snowflake.ID, error) {
	out := make(map[string]snowflake.ID, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		ID         snowflake.ID `gorm:"column:id"`
		ExternalID string       `gorm:"column:external_refund_id"`
	}
	err := db.WithContext(ctx).Raw(`
		SELECT id, external_refund_id FROM refunds WHERE external_refund_id IN ?
	`, externalIDs).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ExternalID] = row.ID
	}
	return out, nil
}

func (r *repo) ReplaceLinks(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, paymentIDs []snowflake.ID, refundIDs []snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM payout_payments WHERE payout_id = ?`, payoutID).Error; err != nil {
		return err
	}
	if err := db.WithContext(ctx).Exec(`DELETE FROM payout_refunds WHERE payout_id = ?`, payoutID).Error; err != nil {
		return err
	}
	for _, paymentID := range paymentIDs {
		err := db.WithContext(ctx).Exec(`
			INSERT INTO payout_payments (payout_id, payment_id) VALUES (?, ?)
		`, payoutID, paymentID).Error
		if err != nil {
			return err
		}
	}
	for _, refundID := range refundIDs {
		err := db.WithContext(ctx).Exec(`
			INSERT INTO payout_refunds (payout_id, refund_id) VALUES (?, ?)
		`, payoutID, refundID).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) UpdateReconciliation(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, feeTotal int64, unresolvedCount int, unresolvedRefs []string, status domain.PayoutStatus) error {
	return db.WithContext(ctx).Exec(`
		UPDATE payouts
		SET fee_total = ?, unresolved_count = ?, unresolved_refs = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, feeTotal, unresolvedCount, pq.StringArray(unresolvedRefs), status, payoutID).Error
}
