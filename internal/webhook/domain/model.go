package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusSucceeded  EventStatus = "succeeded"
	EventStatusFailed     EventStatus = "failed"
)

// Canonical event types emitted by provider adapters.
const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefundSucceeded  = "refund_succeeded"
	EventTypeDisputeCreated   = "dispute_created"
	EventTypePayoutPaid       = "payout_paid"
)

// WebhookEvent is the durable record of one received provider event.
// The (provider, event_id) pair dedupes redeliveries.
type WebhookEvent struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	Provider     string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID      string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType    string         `gorm:"type:text;not null"`
	Payload      datatypes.JSON `gorm:"type:jsonb"`
	Status       EventStatus    `gorm:"type:text;not null;default:pending;index"`
	AttemptCount int            `gorm:"not null;default:0"`
	LastError    *string
	ReceivedAt   time.Time `gorm:"not null"`
	ProcessedAt  *time.Time
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// ProviderEvent is the provider-neutral form an adapter extracts from a
// raw webhook payload. Only EventID and Type are mandatory; the rest
// depends on the event type.
type ProviderEvent struct {
	Provider          string
	EventID           string
	Type              string
	UserID            string
	EntityType        string
	EntityID          snowflake.ID
	Amount            int64
	Fee               int64
	Currency          string
	ExternalPaymentID string
	ExternalRefundID  string
	ExternalPayoutID  string
	Reason            string
	Description       string
	OccurredAt        time.Time
}

// AdapterConfig carries the provider credentials an adapter needs.
type AdapterConfig struct {
	Provider      string
	WebhookSecret string
}

// Adapter verifies and parses webhooks for a single provider.
type Adapter interface {
	// Verify checks the payload signature against the request headers.
	Verify(ctx context.Context, payload []byte, headers http.Header) error

	// Parse extracts a provider-neutral event from the raw payload.
	// Returns ErrEventIgnored for event types the system does not track.
	Parse(ctx context.Context, payload []byte) (*ProviderEvent, error)
}

// AdapterFactory builds adapters for one provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// Repository is the webhook event storage surface. Lookups return
// (nil, nil) when no row matches. Methods take the db handle so they
// can join a caller's transaction.
type Repository interface {
	// InsertEvent stores the event once per (provider, event_id).
	// Returns false when a prior delivery already inserted the row.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider string, eventID string) (*WebhookEvent, error)
	FindEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookEvent, error)

	// ClaimEvent moves the event into processing if its current status
	// is one of from. Returns false when another worker holds it or it
	// already finished.
	ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, from []EventStatus) (bool, error)

	MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	// MarkFailed records the failure cause and bumps the attempt count.
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, cause string) error

	// ListRetryable returns failed events with attempts left, oldest
	// first.
	ListRetryable(ctx context.Context, db *gorm.DB, maxAttempts int, limit int) ([]*WebhookEvent, error)
}

// IngestResult reports what happened to one delivery.
type IngestResult struct {
	EventID      snowflake.ID
	EventType    string
	Status       EventStatus
	Deduplicated bool
}

type Service interface {
	// Ingest verifies, stores and processes one provider delivery.
	// Redeliveries of succeeded events return without reprocessing.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)

	// Redrive reprocesses a stored event from its persisted payload.
	Redrive(ctx context.Context, eventID snowflake.ID) (*IngestResult, error)

	// RetryFailed redrives failed events that still have attempts left.
	// Returns how many succeeded and how many failed again.
	RetryFailed(ctx context.Context, limit int) (int, int, error)
}

var (
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrEventNotFound         = errors.New("event_not_found")
	ErrCurrencyMismatch      = errors.New("currency_mismatch")
)
