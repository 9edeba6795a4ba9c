package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	"github.com/memberware/treasury/pkg/db/pagination"
	"gorm.io/gorm"
)

// Kind names one of the two failure queues the operator tooling spans.
type Kind string

const (
	KindWebhookEvent Kind = "webhook_event"
	KindSync         Kind = "sync"
)

// KnownKind reports whether kind names a failure queue.
func KnownKind(kind Kind) bool {
	switch kind {
	case KindWebhookEvent, KindSync:
		return true
	default:
		return false
	}
}

// FailedRecord is the operator-facing projection of one failed item.
// Webhook events carry Provider and EventType; jobs carry JobType,
// EntityType and EntityID. CreatedAt orders the listing; FailedAt is
// the last recorded failure, which for webhook events falls back to the
// receipt time since the table keeps no per-attempt timestamp.
type FailedRecord struct {
	Kind         Kind         `json:"kind"`
	ID           snowflake.ID `json:"id,string"`
	Provider     string       `json:"provider,omitempty"`
	EventType    string       `json:"event_type,omitempty"`
	JobType      string       `json:"job_type,omitempty"`
	EntityType   string       `json:"entity_type,omitempty"`
	EntityID     snowflake.ID `json:"entity_id,string,omitempty"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	FailedAt     time.Time    `json:"failed_at"`
}

// Filter narrows the failure listing. Zero fields match everything.
// Provider and EventType only exist on webhook events, EntityType only
// on jobs, so setting one narrows the listing to that queue. Since
// bounds the failure time.
type Filter struct {
	pagination.Pagination
	Kind       Kind       `form:"kind"`
	Provider   string     `form:"provider"`
	EventType  string     `form:"event_type"`
	EntityType string     `form:"entity_type"`
	Since      *time.Time `form:"since"`
}

// Stats summarizes the failure backlog. ByType groups webhook events by
// event type and jobs by job type and entity type.
type Stats struct {
	TotalFailed int64            `json:"total_failed"`
	ByType      map[string]int64 `json:"by_type"`
	Recent24h   int64            `json:"recent_24h"`
}

// RetryAllResult tallies one bulk retry pass. Records that leave the
// failed state between listing and retry count toward Found only.
type RetryAllResult struct {
	Found     int  `json:"found"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}

// ListFailedResponse is one page of the merged failure listing.
type ListFailedResponse struct {
	pagination.PageInfo
	Records []FailedRecord `json:"records"`
}

// Service is the operator surface over failed webhook events and failed
// background jobs.
type Service interface {
	ListFailed(ctx context.Context, filter Filter) (ListFailedResponse, error)

	// Stats summarizes the current failure backlog.
	Stats(ctx context.Context) (*Stats, error)

	// RetryOne re-runs one failed record synchronously. Webhook events
	// go back through the webhook processor, jobs through their handler,
	// and the stored row is marked with the outcome. Records not in
	// failed state are rejected.
	RetryOne(ctx context.Context, kind Kind, id snowflake.ID) error

	// RetryAll retries every failed record matching the filter. With
	// dryRun it only reports what would be retried.
	RetryAll(ctx context.Context, filter Filter, dryRun bool) (*RetryAllResult, error)

	// ResetToPending puts a failed record back in line for automatic
	// retries with a fresh attempt budget. For accounting sync jobs the
	// entity's sync state is reset alongside, so the attempt cap starts
	// over. Records not in failed state are rejected.
	ResetToPending(ctx context.Context, kind Kind, id snowflake.ID) error
}

// Cursor marks a keyset position in the failure listing.
type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListQuery is the repository-level shape of one listing page.
type ListQuery struct {
	Provider   string
	EventType  string
	EntityType string
	Since      *time.Time
	Cursor     *Cursor
	Limit      int
}

// Repository reads and rearms rows in both failure queues. Lookups
// return (nil, nil) when no row matches.
type Repository interface {
	// ListFailedEvents returns failed webhook events newest first.
	ListFailedEvents(ctx context.Context, db *gorm.DB, q ListQuery) ([]*FailedRecord, error)

	// ListFailedJobs returns terminally failed jobs newest first.
	ListFailedJobs(ctx context.Context, db *gorm.DB, q ListQuery) ([]*FailedRecord, error)

	FindJob(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobsdomain.Job, error)

	// ResetEvent moves a failed webhook event back to pending with a
	// fresh attempt budget. Returns false when the row is not failed.
	ResetEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	// ResetJob moves a failed job back to pending, runnable at the given
	// time. Returns false when the row is not failed.
	ResetJob(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	// Stats aggregates the failure backlog. recentSince bounds the
	// recent count.
	Stats(ctx context.Context, db *gorm.DB, recentSince time.Time) (*Stats, error)
}

var (
	ErrUnknownKind      = errors.New("unknown_kind")
	ErrRecordNotFound   = errors.New("record_not_found")
	ErrNotInFailedState = errors.New("not_in_failed_state")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
