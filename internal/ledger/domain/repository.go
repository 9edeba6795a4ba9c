package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the storage surface for payments, refunds, and account
// lookups. Methods take the caller's db handle so they participate in the
// caller's transaction. Lookups return (nil, nil) when no row matches.
type Repository interface {
	FindAccountByCode(ctx context.Context, db *gorm.DB, code string) (*Account, error)

	// InsertPayment inserts with ON CONFLICT DO NOTHING on the external
	// payment id and reports whether a row was written.
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindPaymentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*Payment, error)

	// LockPayment loads the payment row under FOR UPDATE so concurrent
	// refunds serialize on it.
	LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)

	// AdvancePaymentStatus moves status forward only: the guarded UPDATE
	// applies when the current status is one of from.
	AdvancePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []PaymentStatus, to PaymentStatus) (bool, error)

	// SumRefunds totals prior refund amounts for the payment.
	SumRefunds(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)

	// InsertRefund inserts with ON CONFLICT DO NOTHING on the external
	// refund id and reports whether a row was written.
	InsertRefund(ctx context.Context, db *gorm.DB, refund *Refund) (bool, error)
	FindRefundByExternalID(ctx context.Context, db *gorm.DB, externalRefundID string) (*Refund, error)
}
