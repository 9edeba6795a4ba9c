package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	"github.com/memberware/treasury/internal/reprocess/domain"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListFailedEvents(ctx context.Context, db *gorm.DB, q domain.ListQuery) ([]*domain.FailedRecord, error) {
	stmt := db.WithContext(ctx).Model(&webhookdomain.WebhookEvent{}).
		Where("status = ?", webhookdomain.EventStatusFailed)

	if provider := strings.TrimSpace(q.Provider); provider != "" {
		stmt = stmt.Where("provider = ?", provider)
	}
	if eventType := strings.TrimSpace(q.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if q.Since != nil {
		stmt = stmt.Where("received_at >= ?", q.Since.UTC())
	}
	if q.Cursor != nil {
		stmt = stmt.Where("(received_at < ?) OR (received_at = ? AND id < ?)",
			q.Cursor.CreatedAt,
			q.Cursor.CreatedAt,
			q.Cursor.ID,
		)
	}

	stmt = stmt.Order("received_at desc, id desc")
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit + 1)
	}

	var events []*webhookdomain.WebhookEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}

	records := make([]*domain.FailedRecord, 0, len(events))
	for _, event := range events {
		records = append(records, eventRecord(event))
	}
	return records, nil
}

func (r *repo) ListFailedJobs(ctx context.Context, db *gorm.DB, q domain.ListQuery) ([]*domain.FailedRecord, error) {
	stmt := db.WithContext(ctx).Model(&jobsdomain.Job{}).
		Where("status = ?", jobsdomain.JobStatusFailed)

	if entityType := strings.TrimSpace(q.EntityType); entityType != "" {
		stmt = stmt.Where("entity_type = ?", entityType)
	}
	if q.Since != nil {
		stmt = stmt.Where("updated_at >= ?", q.Since.UTC())
	}
	if q.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			q.Cursor.CreatedAt,
			q.Cursor.CreatedAt,
			q.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit + 1)
	}

	var jobs []*jobsdomain.Job
	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}

	records := make([]*domain.FailedRecord, 0, len(jobs))
	for _, job := range jobs {
		records = append(records, jobRecord(job))
	}
	return records, nil
}

func (r *repo) FindJob(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobsdomain.Job, error) {
	var job jobsdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT id, job_type, entity_type, entity_id, status, attempt_count, max_attempts,
			backoff_seconds, next_run_at, last_error, dedupe_key, payload, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) ResetEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempt_count = 0, last_error = NULL
		 WHERE id = ? AND status = ?`,
		webhookdomain.EventStatusPending,
		id,
		webhookdomain.EventStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ResetJob(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, attempt_count = 0, last_error = NULL, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		jobsdomain.JobStatusPending,
		at,
		at,
		id,
		jobsdomain.JobStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, recentSince time.Time) (*domain.Stats, error) {
	type labelCount struct {
		Label string
		N     int64
	}

	stats := &domain.Stats{ByType: map[string]int64{}}

	var eventCounts []labelCount
	err := db.WithContext(ctx).Raw(
		`SELECT event_type AS label, COUNT(*) AS n
		 FROM webhook_events WHERE status = ?
		 GROUP BY event_type`,
		webhookdomain.EventStatusFailed,
	).Scan(&eventCounts).Error
	if err != nil {
		return nil, err
	}

	var jobCounts []labelCount
	err = db.WithContext(ctx).Raw(
		`SELECT job_type || ':' || entity_type AS label, COUNT(*) AS n
		 FROM jobs WHERE status = ?
		 GROUP BY job_type, entity_type`,
		jobsdomain.JobStatusFailed,
	).Scan(&jobCounts).Error
	if err != nil {
		return nil, err
	}

	for _, row := range append(eventCounts, jobCounts...) {
		stats.ByType[row.Label] += row.N
		stats.TotalFailed += row.N
	}

	var recentEvents int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM webhook_events WHERE status = ? AND received_at >= ?`,
		webhookdomain.EventStatusFailed,
		recentSince,
	).Scan(&recentEvents).Error
	if err != nil {
		return nil, err
	}

	var recentJobs int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND updated_at >= ?`,
		jobsdomain.JobStatusFailed,
		recentSince,
	).Scan(&recentJobs).Error
	if err != nil {
		return nil, err
	}

	stats.Recent24h = recentEvents + recentJobs
	return stats, nil
}

func eventRecord(event *webhookdomain.WebhookEvent) *domain.FailedRecord {
	record := &domain.FailedRecord{
		Kind:         domain.KindWebhookEvent,
		ID:           event.ID,
		Provider:     event.Provider,
		EventType:    event.EventType,
		AttemptCount: event.AttemptCount,
		CreatedAt:    event.ReceivedAt,
		FailedAt:     event.ReceivedAt,
	}
	if event.LastError != nil {
		record.LastError = *event.LastError
	}
	return record
}

func jobRecord(job *jobsdomain.Job) *domain.FailedRecord {
	record := &domain.FailedRecord{
		Kind:         domain.KindSync,
		ID:           job.ID,
		JobType:      string(job.JobType),
		EntityType:   job.EntityType,
		EntityID:     job.EntityID,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		FailedAt:     job.UpdatedAt,
	}
	if job.LastError != nil {
		record.LastError = *job.LastError
	}
	return record
}
