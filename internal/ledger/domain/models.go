package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
)

// AccountType classifies a chart-of-accounts entry.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
	AccountTypeEquity    AccountType = "equity"
)

// Fixed account codes the transaction builder posts against. Revenue
// accounts are resolved through the configured entity-type mapping and
// are not enumerated here.
const (
	AccountCodeCash               = "cash"
	AccountCodeAccountsReceivable = "accounts_receivable"
	AccountCodeProcessorFees      = "processor_fees"
	AccountCodeRefundExpense      = "refund_expense"
)

// Account is one chart-of-accounts row. Seeded at startup from config,
// immutable afterwards.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_accounts_code"`
	Type      AccountType  `gorm:"type:text;not null;uniqueIndex:ux_accounts_type_name,priority:1"`
	Name      string       `gorm:"type:text;not null;uniqueIndex:ux_accounts_type_name,priority:2"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

type TransactionKind string

const (
	TransactionKindPayment    TransactionKind = "payment"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindFee        TransactionKind = "fee"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusPosted  TransactionStatus = "posted"
)

// Transaction is the immutable header grouping a balanced set of entries.
// Created atomically with its entries; never updated after posting.
type Transaction struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	Kind        TransactionKind   `gorm:"type:text;not null;index"`
	PaymentID   *snowflake.ID     `gorm:"index"`
	TotalAmount int64             `gorm:"not null"`
	Status      TransactionStatus `gorm:"type:text;not null"`
	Description string            `gorm:"type:text"`
	OccurredAt  time.Time         `gorm:"not null"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "ledger_transactions" }

// Entry is one double-entry posting line. Amount is signed: positive is a
// debit, negative a credit, and the entries of a transaction sum to zero.
// Entries are immutable; corrections are new entries.
type Entry struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	TransactionID     snowflake.ID  `gorm:"not null;index"`
	AccountID         snowflake.ID  `gorm:"not null;index"`
	PaymentID         *snowflake.ID `gorm:"index"`
	RelatedEntityType string        `gorm:"type:text"`
	RelatedEntityID   string        `gorm:"type:text"`
	Description       string        `gorm:"type:text"`
	Amount            int64         `gorm:"not null"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "ledger_entries" }

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
)

// Payment is one settled processor charge. Status only moves forward;
// rows are never deleted.
type Payment struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	ReferenceID       string        `gorm:"type:text;not null;uniqueIndex:ux_payments_reference"`
	ExternalProvider  string        `gorm:"type:text;not null"`
	ExternalPaymentID string        `gorm:"type:text;not null;uniqueIndex:ux_payments_external_id"`
	Amount            int64         `gorm:"not null"`
	Status            PaymentStatus `gorm:"type:text;not null"`
	UserID            string        `gorm:"type:text;not null;index"`
	Description       string        `gorm:"type:text"`
	PaymentDate       time.Time     `gorm:"not null"`

	accountingdomain.SyncState `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Refund ties a refund transaction back to its payment. The cumulative
// refunded amount on a payment never exceeds the original amount.
type Refund struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PaymentID        snowflake.ID `gorm:"not null;index"`
	TransactionID    snowflake.ID `gorm:"not null;index"`
	ExternalRefundID string       `gorm:"type:text;not null;uniqueIndex:ux_refunds_external_id"`
	Amount           int64        `gorm:"not null"`
	Reason           string       `gorm:"type:text"`

	accountingdomain.SyncState `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "refunds" }
