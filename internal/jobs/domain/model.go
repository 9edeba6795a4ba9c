package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobType string

const (
	JobTypeAccountingSync  JobType = "accounting_sync"
	JobTypePayoutReconcile JobType = "payout_reconcile"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one durable unit of background work. Rows are claimed with
// FOR UPDATE SKIP LOCKED so any number of workers can drain the queue
// without coordination.
type Job struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	JobType        JobType           `gorm:"type:text;not null;index"`
	EntityType     string            `gorm:"type:text;not null"`
	EntityID       snowflake.ID      `gorm:"not null;index"`
	Status         JobStatus         `gorm:"type:text;not null;default:pending;index:ix_jobs_claim,priority:1"`
	AttemptCount   int               `gorm:"not null;default:0"`
	MaxAttempts    int               `gorm:"not null"`
	BackoffSeconds int               `gorm:"not null"`
	NextRunAt      time.Time         `gorm:"not null;index:ix_jobs_claim,priority:2"`
	LastError      *string           `gorm:"type:text"`
	DedupeKey      *string           `gorm:"type:text;uniqueIndex:ux_jobs_dedupe_key"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Job) TableName() string { return "jobs" }

// EnqueueRequest describes a job to enqueue. A non-empty DedupeKey
// suppresses the insert while another live job holds the same key; the
// key is released when that job reaches a terminal state.
type EnqueueRequest struct {
	JobType    JobType
	EntityType string
	EntityID   snowflake.ID
	DedupeKey  string
	Payload    map[string]any
	RunAt      time.Time
}

// Queue is the durable job queue. Enqueue takes the caller's db handle so
// enqueues can ride inside the caller's transaction.
type Queue interface {
	Enqueue(ctx context.Context, db *gorm.DB, req EnqueueRequest) (bool, error)
	Claim(ctx context.Context, limit int) ([]*Job, error)
	MarkSucceeded(ctx context.Context, job *Job) error
	MarkFailed(ctx context.Context, job *Job, cause error) error
	CountPending(ctx context.Context) (int64, error)
}

var (
	ErrInvalidJobType = errors.New("invalid_job_type")
	ErrInvalidEntity  = errors.New("invalid_entity")

	// ErrPermanent marks a handler failure that retrying cannot fix. A job
	// failed with this cause skips its remaining attempts.
	ErrPermanent = errors.New("permanent_failure")
)

// SyncDedupeKey keys one live accounting_sync job per entity.
func SyncDedupeKey(entityType string, entityID snowflake.ID) string {
	return fmt.Sprintf("accounting_sync:%s:%d", entityType, entityID)
}

// ReconcileDedupeKey keys one live payout_reconcile job per payout.
func ReconcileDedupeKey(payoutID snowflake.ID) string {
	return fmt.Sprintf("payout_reconcile:%d", payoutID)
}
