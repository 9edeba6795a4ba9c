package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	"gorm.io/gorm"
)

// ExpenseReport is an operator-entered outflow mirrored into the external
// accounting system alongside payments, refunds and payouts.
type ExpenseReport struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id,string"`
	UserID      string       `gorm:"type:text;not null;index" json:"user_id"`
	Amount      int64        `gorm:"not null" json:"amount"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	ExpenseDate time.Time    `gorm:"not null" json:"expense_date"`

	accountingdomain.SyncState `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ExpenseReport) TableName() string { return "expense_reports" }

type CreateExpenseReportRequest struct {
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	ExpenseDate time.Time `json:"expense_date"`
}

type Service interface {
	CreateExpenseReport(ctx context.Context, req CreateExpenseReportRequest) (*ExpenseReport, error)
	GetExpenseReport(ctx context.Context, id snowflake.ID) (*ExpenseReport, error)
}

type Repository interface {
	InsertExpenseReport(ctx context.Context, db *gorm.DB, report *ExpenseReport) error
	FindExpenseReportByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ExpenseReport, error)
}

var (
	ErrInvalidExpenseReport  = errors.New("invalid_expense_report")
	ErrExpenseReportNotFound = errors.New("expense_report_not_found")
)
