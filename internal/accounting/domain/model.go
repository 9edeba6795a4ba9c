package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Entity kinds pushed to the external accounting system.
const (
	EntityTypePayment       = "payment"
	EntityTypeRefund        = "refund"
	EntityTypePayout        = "payout"
	EntityTypeExpenseReport = "expense_report"
)

// SyncStatus is the per-entity accounting sync state machine.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncState is embedded into every table whose rows are mirrored into the
// external accounting system. The columns are mutated only by the sync
// service, never by the transaction builder.
type SyncState struct {
	SyncStatus           SyncStatus `gorm:"type:text;not null;default:pending;index" json:"sync_status"`
	AccountingExternalID *string    `gorm:"type:text" json:"accounting_external_id,omitempty"`
	SyncAttempts         int        `gorm:"not null;default:0" json:"sync_attempts"`
	LastSyncError        *string    `gorm:"type:text" json:"last_sync_error,omitempty"`
	LastSyncAttemptAt    *time.Time `json:"last_sync_attempt_at,omitempty"`
	SyncedAt             *time.Time `json:"synced_at,omitempty"`
}

// SyncRecord is the payload sent to the accounting system for one entity.
// IdempotencyKey is stable across retries of the same entity so a retried
// attempt that partially succeeded upstream cannot create a second record.
type SyncRecord struct {
	EntityType     string
	EntityID       snowflake.ID
	IdempotencyKey string
	Amount         int64
	Currency       string
	Reference      string
	Description    string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// SyncResult carries the external system's assigned id.
type SyncResult struct {
	ExternalID string
}

// Client talks to the external accounting system.
type Client interface {
	SyncRecord(ctx context.Context, record SyncRecord) (*SyncResult, error)
}

// SyncError classifies an accounting client failure. Retryable errors go
// back through the job queue with backoff; terminal errors mark the entity
// failed immediately.
type SyncError struct {
	Reason    string
	Retryable bool
}

func (e *SyncError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("accounting sync failed (retryable): %s", e.Reason)
	}
	return fmt.Sprintf("accounting sync failed: %s", e.Reason)
}

// SyncOutcome reports the state an entity ended in after a sync attempt.
type SyncOutcome struct {
	EntityType string
	EntityID   snowflake.ID
	Status     SyncStatus
	ExternalID *string
	Attempts   int
}

type Service interface {
	// SyncEntity drives one sync attempt for the entity and reports the
	// resulting state. An already synced entity is a no-op success.
	SyncEntity(ctx context.Context, entityType string, entityID snowflake.ID) (*SyncOutcome, error)
}

var (
	ErrUnknownEntityType     = errors.New("unknown_entity_type")
	ErrEntityNotFound        = errors.New("entity_not_found")
	ErrSyncInProgress        = errors.New("sync_in_progress")
	ErrSyncAttemptsExhausted = errors.New("sync_attempts_exhausted")
)

// KnownEntityType reports whether entityType is one of the syncable kinds.
func KnownEntityType(entityType string) bool {
	switch entityType {
	case EntityTypePayment, EntityTypeRefund, EntityTypePayout, EntityTypeExpenseReport:
		return true
	default:
		return false
	}
}

// IsTerminalSyncFailure reports failures no retry can fix: unknown or
// missing entities, an exhausted attempt budget, and provider rejections
// the client marked non-retryable.
func IsTerminalSyncFailure(err error) bool {
	if errors.Is(err, ErrSyncAttemptsExhausted) ||
		errors.Is(err, ErrUnknownEntityType) ||
		errors.Is(err, ErrEntityNotFound) {
		return true
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return !syncErr.Retryable
	}
	return false
}
