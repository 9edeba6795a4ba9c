package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidUser              = errors.New("invalid_user")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidProcessorFee      = errors.New("invalid_processor_fee")
	ErrInvalidExternalPayment   = errors.New("invalid_external_payment_id")
	ErrInvalidExternalRefund    = errors.New("invalid_external_refund_id")
	ErrUnknownEntityType        = errors.New("unknown_entity_type")
	ErrAccountNotFound          = errors.New("account_not_found")
	ErrPaymentNotFound          = errors.New("payment_not_found")
	ErrUnbalancedTransaction    = errors.New("unbalanced_transaction")
	ErrRefundExceedsPayment     = errors.New("refund_exceeds_payment")
	ErrDuplicateExternalPayment = errors.New("duplicate_external_payment")
	ErrDuplicateExternalRefund  = errors.New("duplicate_external_refund")
)

// ProcessPaymentRequest records one settled processor charge.
// ProcessorFee may be zero when the provider reports none.
type ProcessPaymentRequest struct {
	UserID            string
	Amount            int64
	ProcessorFee      int64
	EntityType        string
	EntityID          string
	ExternalProvider  string
	ExternalPaymentID string
	Description       string
	OccurredAt        time.Time
}

// ProcessRefundRequest refunds part or all of a payment. The payment is
// addressed by internal id when known, otherwise by the processor's
// payment id.
type ProcessRefundRequest struct {
	PaymentID         snowflake.ID
	ExternalPaymentID string
	ExternalRefundID  string
	Amount            int64
	Reason            string
	OccurredAt        time.Time
}

// AddCreditRequest posts an administrative, non-processor-backed credit.
type AddCreditRequest struct {
	UserID     string
	Amount     int64
	Reason     string
	EntityType string
	EntityID   string
	OccurredAt time.Time
}

// AccountBalance is one trial-balance line: the signed sum of all entries
// posted against the account.
type AccountBalance struct {
	AccountID snowflake.ID `gorm:"column:account_id" json:"account_id,string"`
	Code      string       `gorm:"column:code" json:"code"`
	Type      AccountType  `gorm:"column:type" json:"type"`
	Name      string       `gorm:"column:name" json:"name"`
	Balance   int64        `gorm:"column:balance" json:"balance"`
}

type Service interface {
	// ProcessPayment posts a settled charge: payment row plus a balanced
	// payment transaction, atomically. A replayed external payment id
	// returns the stored payment with ErrDuplicateExternalPayment.
	ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (*Payment, error)

	// ProcessRefund posts a refund against a payment, capping cumulative
	// refunds at the original amount. A replayed external refund id
	// returns the stored refund with ErrDuplicateExternalRefund.
	ProcessRefund(ctx context.Context, req ProcessRefundRequest) (*Refund, error)

	// AddCredit posts an adjustment transaction with no payment behind it.
	AddCredit(ctx context.Context, req AddCreditRequest) (*Transaction, error)

	// TrialBalance sums signed entry amounts per account. The grand total
	// over all accounts is always zero.
	TrialBalance(ctx context.Context) ([]AccountBalance, error)
}

// ValidateBalanced rejects entry sets that do not net to zero. Zero-amount
// entries are rejected outright; they carry no financial meaning.
func ValidateBalanced(entries []*Entry) error {
	if len(entries) < 2 {
		return ErrUnbalancedTransaction
	}
	var sum int64
	for _, entry := range entries {
		if entry == nil || entry.Amount == 0 {
			return ErrUnbalancedTransaction
		}
		sum += entry.Amount
	}
	if sum != 0 {
		return ErrUnbalancedTransaction
	}
	return nil
}
