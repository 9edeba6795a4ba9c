package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccountByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Account, error) {
	var item domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, type, name, created_at
		 FROM accounts
		 WHERE code = ?
		 LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, reference_id, external_provider, external_payment_id, amount, status,
			user_id, description, payment_date, sync_status, accounting_external_id,
			sync_attempts, last_sync_error, last_sync_attempt_at, synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_payment_id) DO NOTHING`,
		payment.ID,
		payment.ReferenceID,
		payment.ExternalProvider,
		payment.ExternalPaymentID,
		payment.Amount,
		payment.Status,
		payment.UserID,
		payment.Description,
		payment.PaymentDate,
		payment.SyncStatus,
		payment.AccountingExternalID,
		payment.SyncAttempts,
		payment.LastSyncError,
		payment.LastSyncAttemptAt,
		payment.SyncedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPaymentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return findPayment(ctx, db, `id = ?`, id, false)
}

func (r *repo) FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*domain.Payment, error) {
	return findPayment(ctx, db, `external_payment_id = ?`, externalPaymentID, false)
}

func (r *repo) LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return findPayment(ctx, db, `id = ?`, id, true)
}

func findPayment(ctx context.Context, db *gorm.DB, cond string, arg any, forUpdate bool) (*domain.Payment, error) {
	var item domain.Payment
	query := `SELECT id, reference_id, external_provider, external_payment_id, amount, status,
			user_id, description, payment_date, sync_status, accounting_external_id,
			sync_attempts, last_sync_error, last_sync_attempt_at, synced_at,
			created_at, updated_at
		 FROM payments
		 WHERE ` + cond + `
		 LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	err := db.WithContext(ctx).Raw(query, arg).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) AdvancePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.PaymentStatus, to domain.PaymentStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ?`,
		to,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SumRefunds(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM refunds
		 WHERE payment_id = ?`,
		paymentID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) InsertRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO refunds (
			id, payment_id, transaction_id, external_refund_id, amount, reason,
			sync_status, accounting_external_id, sync_attempts, last_sync_error,
			last_sync_attempt_at, synced_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_refund_id) DO NOTHING`,
		refund.ID,
		refund.PaymentID,
		refund.TransactionID,
		refund.ExternalRefundID,
		refund.Amount,
		refund.Reason,
		refund.SyncStatus,
		refund.AccountingExternalID,
		refund.SyncAttempts,
		refund.LastSyncError,
		refund.LastSyncAttemptAt,
		refund.SyncedAt,
		refund.CreatedAt,
		refund.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindRefundByExternalID(ctx context.Context, db *gorm.DB, externalRefundID string) (*domain.Refund, error) {
	var item domain.Refund
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, transaction_id, external_refund_id, amount, reason,
			sync_status, accounting_external_id, sync_attempts, last_sync_error,
			last_sync_attempt_at, synced_at, created_at, updated_at
		 FROM refunds
		 WHERE external_refund_id = ?
		 LIMIT 1`,
		externalRefundID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
