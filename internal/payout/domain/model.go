package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusPaid       PayoutStatus = "paid"
	PayoutStatusReconciled PayoutStatus = "reconciled"
)

// Payout is one settlement batch from the processor. The linked payment
// and refund sets are derived by reconciliation and safe to recompute.
type Payout struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	ExternalPayoutID string       `gorm:"type:text;not null;uniqueIndex:ux_payouts_external_id"`
	ExternalProvider string       `gorm:"type:text;not null"`
	Amount           int64        `gorm:"not null"`
	FeeTotal         *int64
	Status           PayoutStatus   `gorm:"type:text;not null"`
	UnresolvedCount  int            `gorm:"not null;default:0"`
	UnresolvedRefs   pq.StringArray `gorm:"type:text[]"`
	ArrivalDate      *time.Time

	accountingdomain.SyncState `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

// PayoutPayment links a payout to a payment it settled.
type PayoutPayment struct {
	PayoutID  snowflake.ID `gorm:"primaryKey"`
	PaymentID snowflake.ID `gorm:"primaryKey"`
}

// TableName sets the database table name.
func (PayoutPayment) TableName() string { return "payout_payments" }

// PayoutRefund links a payout to a refund it settled.
type PayoutRefund struct {
	PayoutID snowflake.ID `gorm:"primaryKey"`
	RefundID snowflake.ID `gorm:"primaryKey"`
}

// TableName sets the database table name.
func (PayoutRefund) TableName() string { return "payout_refunds" }

type MovementKind string

const (
	MovementKindPayment    MovementKind = "payment"
	MovementKindRefund     MovementKind = "refund"
	MovementKindFee        MovementKind = "fee"
	MovementKindAdjustment MovementKind = "adjustment"
)

// BalanceMovement is one line of a payout's settlement detail as
// reported by the processor.
type BalanceMovement struct {
	ID          string
	Kind        MovementKind
	Amount      int64
	Fee         int64
	Currency    string
	Reference   string
	Description string
	OccurredAt  time.Time
}

// PayoutDetail is the processor's view of a payout.
type PayoutDetail struct {
	ExternalPayoutID string
	Amount           int64
	Currency         string
	Status           string
	ArrivalDate      *time.Time
}

// MovementPage is one page of balance movements.
type MovementPage struct {
	Movements      []BalanceMovement
	HasMore        bool
	NextStartAfter string
}

// Gateway reads payout data from the processor. Implementations must not
// mutate local state.
type Gateway interface {
	FetchPayout(ctx context.Context, externalPayoutID string) (*PayoutDetail, error)
	ListBalanceMovements(ctx context.Context, externalPayoutID string, startingAfter string, limit int) (*MovementPage, error)
}

// RegisterPayoutRequest records a payout reported by webhook before any
// reconciliation has run.
type RegisterPayoutRequest struct {
	ExternalPayoutID string
	Provider         string
	Amount           int64
	ArrivalDate      *time.Time
}

// ReconcileResult summarizes one reconciliation run.
type ReconcileResult struct {
	PayoutID       snowflake.ID `json:"payout_id,string"`
	LinkedPayments int          `json:"linked_payments"`
	LinkedRefunds  int          `json:"linked_refunds"`
	FeeTotal       int64        `json:"fee_total"`
	Unresolved     int          `json:"unresolved"`
}

type Service interface {
	// RegisterPayout upserts the payout row and enqueues reconciliation.
	// Replayed payout ids return the stored row.
	RegisterPayout(ctx context.Context, req RegisterPayoutRequest) (*Payout, error)

	// Reconcile recomputes the payout's linked payment/refund sets and
	// fee total from the processor's balance movements. Idempotent.
	Reconcile(ctx context.Context, externalPayoutID string) (*ReconcileResult, error)
}

// Repository is the payout storage surface. Lookups return (nil, nil)
// when no row matches.
type Repository interface {
	UpsertPayout(ctx context.Context, db *gorm.DB, payout *Payout) (bool, error)
	FindPayoutByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payout, error)
	FindPayoutByExternalID(ctx context.Context, db *gorm.DB, externalPayoutID string) (*Payout, error)

	// MapPaymentsByExternalID resolves processor payment references to
	// internal payment ids.
	MapPaymentsByExternalID(ctx context.Context, db *gorm.DB, externalIDs []string) (map[string]snowflake.ID, error)
	MapRefundsByExternalID(ctx context.Context, db *gorm.DB, externalIDs []string) (map[string]snowflake.ID, error)

	// ReplaceLinks swaps the payout's link sets wholesale. Runs inside
	// the caller's transaction.
	ReplaceLinks(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, paymentIDs []snowflake.ID, refundIDs []snowflake.ID) error

	// UpdateReconciliation writes the recomputed totals and status.
	UpdateReconciliation(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, feeTotal int64, unresolvedCount int, unresolvedRefs []string, status PayoutStatus) error
}

var (
	ErrInvalidPayout  = errors.New("invalid_payout")
	ErrPayoutNotFound = errors.New("payout_not_found")
)
