package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxLastErrorLen = 512

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
}

type Queue struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewQueue(p Params) jobsdomain.Queue {
	return &Queue{
		db:          p.DB,
		log:         p.Log.Named("jobs.queue"),
		genID:       p.GenID,
		clock:       p.Clock,
		maxAttempts: p.Cfg.Worker.MaxJobAttempts,
		backoffBase: p.Cfg.Worker.BackoffBase,
		backoffCap:  p.Cfg.Worker.BackoffCap,
	}
}

func (q *Queue) Enqueue(ctx context.Context, db *gorm.DB, req jobsdomain.EnqueueRequest) (bool, error) {
	switch req.JobType {
	case jobsdomain.JobTypeAccountingSync, jobsdomain.JobTypePayoutReconcile:
	default:
		return false, jobsdomain.ErrInvalidJobType
	}
	entityType := strings.TrimSpace(req.EntityType)
	if entityType == "" || req.EntityID == 0 {
		return false, jobsdomain.ErrInvalidEntity
	}
	if db == nil {
		db = q.db
	}

	now := q.clock.Now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	var dedupeKey *string
	if key := strings.TrimSpace(req.DedupeKey); key != "" {
		dedupeKey = &key
	}
	var payload datatypes.JSONMap
	if len(req.Payload) > 0 {
		payload = datatypes.JSONMap(req.Payload)
	}

	job := &jobsdomain.Job{
		ID:             q.genID.Generate(),
		JobType:        req.JobType,
		EntityType:     entityType,
		EntityID:       req.EntityID,
		Status:         jobsdomain.JobStatusPending,
		MaxAttempts:    q.maxAttempts,
		BackoffSeconds: int(q.backoffBase / time.Second),
		NextRunAt:      runAt,
		DedupeKey:      dedupeKey,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	res := db.WithContext(ctx).Exec(
		`INSERT INTO jobs (
			id, job_type, entity_type, entity_id, status, attempt_count, max_attempts,
			backoff_seconds, next_run_at, last_error, dedupe_key, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		job.ID,
		job.JobType,
		job.EntityType,
		job.EntityID,
		job.Status,
		job.AttemptCount,
		job.MaxAttempts,
		job.BackoffSeconds,
		job.NextRunAt,
		job.LastError,
		job.DedupeKey,
		job.Payload,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		q.log.Debug("jobs.enqueue.deduped",
			zap.String("job_type", string(req.JobType)),
			zap.String("entity_type", entityType),
			zap.String("entity_id", req.EntityID.String()),
		)
		return false, nil
	}
	return true, nil
}

func (q *Queue) Claim(ctx context.Context, limit int) ([]*jobsdomain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	now := q.clock.Now()

	var claimed []*jobsdomain.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id, job_type, entity_type, entity_id, status, attempt_count, max_attempts,
				backoff_seconds, next_run_at, last_error, dedupe_key, payload, created_at, updated_at
			 FROM jobs
			 WHERE status = ? AND next_run_at <= ?
			 ORDER BY next_run_at
			 LIMIT ?`
		if tx.Dialector.Name() != "sqlite" {
			query += " FOR UPDATE SKIP LOCKED"
		}

		lockStart := time.Now()
		var rows []jobsdomain.Job
		err := tx.Raw(query, jobsdomain.JobStatusPending, now, limit).Scan(&rows).Error
		obsmetrics.Worker().ObserveDBLockWait(obsmetrics.LockResourceJobsForWork, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
		}
		res := tx.Exec(
			`UPDATE jobs
			 SET status = ?, updated_at = ?
			 WHERE id IN ?`,
			jobsdomain.JobStatusRunning,
			now,
			ids,
		)
		if res.Error != nil {
			return res.Error
		}

		for i := range rows {
			rows[i].Status = jobsdomain.JobStatusRunning
			rows[i].UpdatedAt = now
			claimed = append(claimed, &rows[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) MarkSucceeded(ctx context.Context, job *jobsdomain.Job) error {
	now := q.clock.Now()
	// Terminal state releases the dedupe key so the entity can be
	// re-enqueued later if needed.
	return q.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, attempt_count = attempt_count + 1, last_error = NULL,
			dedupe_key = NULL, updated_at = ?
		 WHERE id = ?`,
		jobsdomain.JobStatusSucceeded,
		now,
		job.ID,
	).Error
}

func (q *Queue) MarkFailed(ctx context.Context, job *jobsdomain.Job, cause error) error {
	message := "unknown_error"
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > maxLastErrorLen {
		message = message[:maxLastErrorLen]
	}

	now := q.clock.Now()
	attempt := job.AttemptCount + 1
	if attempt >= job.MaxAttempts || errors.Is(cause, jobsdomain.ErrPermanent) {
		q.log.Warn("jobs.job.terminal_failed",
			zap.String("job_type", string(job.JobType)),
			zap.String("entity_type", job.EntityType),
			zap.String("entity_id", job.EntityID.String()),
			zap.Int("attempts", attempt),
			zap.String("last_error", message),
		)
		return q.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, attempt_count = ?, last_error = ?, dedupe_key = NULL, updated_at = ?
			 WHERE id = ?`,
			jobsdomain.JobStatusFailed,
			attempt,
			message,
			now,
			job.ID,
		).Error
	}

	nextRun := now.Add(q.backoffDelay(job.BackoffSeconds, attempt))
	return q.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, attempt_count = ?, last_error = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ?`,
		jobsdomain.JobStatusPending,
		attempt,
		message,
		nextRun,
		now,
		job.ID,
	).Error
}

func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM jobs WHERE status = ?`,
		jobsdomain.JobStatusPending,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// backoffDelay doubles per attempt from the job's base, capped by config.
func (q *Queue) backoffDelay(baseSeconds int, attempt int) time.Duration {
	base := time.Duration(baseSeconds) * time.Second
	if base <= 0 {
		base = 30 * time.Second
	}
	maxDelay := q.backoffCap
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		return maxDelay
	}
	delay := base << shift
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}
