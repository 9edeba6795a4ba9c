package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/memberware/treasury/internal/webhook/domain"
	"gorm.io/gorm"
)

const maxLastErrorLen = 512

type repo struct{}

// Provide returns the webhook event repository.
func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		INSERT INTO webhook_events (
			id, provider, event_id, event_type, payload,
			status, attempt_count, last_error, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING
	`,
		event.ID, event.Provider, event.EventID, event.EventType, event.Payload,
		event.Status, event.AttemptCount, event.LastError, event.ReceivedAt, event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, eventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM webhook_events WHERE provider = ? AND event_id = ?
	`, provider, eventID).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) FindEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM webhook_events WHERE id = ?
	`, id).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.EventStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		UPDATE webhook_events SET status = ? WHERE id = ? AND status IN ?
	`, domain.EventStatusProcessing, id, from)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(`
		UPDATE webhook_events
		SET status = ?, attempt_count = attempt_count + 1, last_error = NULL, processed_at = ?
		WHERE id = ?
	`, domain.EventStatusSucceeded, processedAt, id).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, cause string) error {
	if len(cause) > maxLastErrorLen {
		cause = cause[:maxLastErrorLen]
	}
	return db.WithContext(ctx).Exec(`
		UPDATE webhook_events
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ?
	`, domain.EventStatusFailed, cause, id).Error
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, maxAttempts int, limit int) ([]*domain.WebhookEvent, error) {
	var events []*domain.WebhookEvent
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM webhook_events
		WHERE status = ? AND attempt_count < ?
		ORDER BY received_at ASC
		LIMIT ?
	`, domain.EventStatusFailed, maxAttempts, limit).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
