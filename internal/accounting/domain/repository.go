package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EntityView is the sync-relevant projection of one syncable row. The
// loader flattens the per-table shape so the sync service can treat all
// entity kinds uniformly.
type EntityView struct {
	EntityType  string
	EntityID    snowflake.ID
	Status      SyncStatus
	ExternalID  *string
	Attempts    int
	Amount      int64
	Reference   string
	Description string
	OccurredAt  time.Time
	Metadata    map[string]any
}

type Repository interface {
	// FindEntity loads the sync view for one entity, nil when no row exists.
	FindEntity(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID) (*EntityView, error)

	// ClaimEntity moves pending|failed to syncing and bumps the attempt
	// counter. Returns false when the row was not claimable.
	ClaimEntity(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, at time.Time) (bool, error)

	// MarkSynced finishes a claimed sync with the external system's id.
	MarkSynced(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, externalID string, at time.Time) error

	// MarkSyncFailed records the failure cause on a claimed row.
	MarkSyncFailed(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID, cause string) error

	// ResetSyncState moves failed back to pending with a fresh attempt
	// budget. Returns false when the row was not in failed state.
	ResetSyncState(ctx context.Context, db *gorm.DB, entityType string, entityID snowflake.ID) (bool, error)

	// ListUnsynced returns ids of rows still pending whose creation
	// predates the cutoff, oldest first. Feeds the backfill sweep.
	ListUnsynced(ctx context.Context, db *gorm.DB, entityType string, before time.Time, limit int) ([]snowflake.ID, error)
}
