package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/distlock"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid worker configuration")

const (
	sweepLockTTL = 5 * time.Minute

	// Entities younger than this are skipped by the backfill sweep so a
	// transactional enqueue still in flight is not doubled.
	backfillGrace = 10 * time.Minute
)

var backfillEntityTypes = []string{
	accountingdomain.EntityTypePayment,
	accountingdomain.EntityTypeRefund,
	accountingdomain.EntityTypePayout,
	accountingdomain.EntityTypeExpenseReport,
}

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Cfg            config.Config
	Queue          jobsdomain.Queue
	Locks          *distlock.Mutex
	AccountingSvc  accountingdomain.Service
	AccountingRepo accountingdomain.Repository
	PayoutSvc      payoutdomain.Service
	PayoutRepo     payoutdomain.Repository
	WebhookSvc     webhookdomain.Service
}

type Worker struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	queue          jobsdomain.Queue
	locks          *distlock.Mutex
	accountingSvc  accountingdomain.Service
	accountingRepo accountingdomain.Repository
	payoutSvc      payoutdomain.Service
	payoutRepo     payoutdomain.Repository
	webhookSvc     webhookdomain.Service

	runInterval time.Duration
	batchSize   int
	jobTimeout  time.Duration
	enabledJobs []string
}

func New(p Params) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Queue == nil || p.Locks == nil ||
		p.AccountingSvc == nil || p.AccountingRepo == nil || p.PayoutSvc == nil || p.PayoutRepo == nil || p.WebhookSvc == nil {
		return nil, ErrInvalidConfig
	}

	runInterval := p.Cfg.Worker.RunInterval
	if runInterval <= 0 {
		runInterval = time.Minute
	}
	batchSize := p.Cfg.Worker.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	jobTimeout := p.Cfg.Worker.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	return &Worker{
		db:             p.DB,
		log:            p.Log.Named("worker").With(zap.String("component", "worker")),
		clock:          p.Clock,
		queue:          p.Queue,
		locks:          p.Locks,
		accountingSvc:  p.AccountingSvc,
		accountingRepo: p.AccountingRepo,
		payoutSvc:      p.PayoutSvc,
		payoutRepo:     p.PayoutRepo,
		webhookSvc:     p.WebhookSvc,
		runInterval:    runInterval,
		batchSize:      batchSize,
		jobTimeout:     jobTimeout,
		enabledJobs:    p.Cfg.Worker.EnabledJobs,
	}, nil
}

func (w *Worker) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := w.ensureJobRun(ctx, name, batchSize)
	if owner {
		w.logJobStart(ctx, run)
	}
	log := w.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	workerMetrics := obsmetrics.Worker()
	workerMetrics.IncJobRun(name)

	err := fn(ctx)
	workerMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		w.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft stop; the next tick picks up the remainder.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		workerMetrics.IncJobTimeout(name)
	}
	workerMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (w *Worker) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"queue_drain", w.isJobEnabled("queue_drain"), func(ctx context.Context) error {
			return w.runJob(ctx, "queue_drain", w.batchSize, 10*time.Minute, w.DrainQueueJob)
		}},
		{"webhook_retry", w.isJobEnabled("webhook_retry"), func(ctx context.Context) error {
			return w.runJob(ctx, "webhook_retry", w.batchSize, 2*time.Minute, w.WebhookRetryJob)
		}},
		{"sync_backfill", w.isJobEnabled("sync_backfill"), func(ctx context.Context) error {
			return w.runJob(ctx, "sync_backfill", w.batchSize, 2*time.Minute, w.SyncBackfillJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.runInterval)
	defer ticker.Stop()
	nextRun := w.clock.Now().Add(w.runInterval)
	workerMetrics := obsmetrics.Worker()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			workerMetrics.ObserveRunLoopLag(runLag)
		}
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(w.runInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables every job.
	if len(w.enabledJobs) == 0 {
		return true
	}
	for _, enabled := range w.enabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// DrainQueueJob claims due jobs in batches and dispatches each to its
// handler. Retryable failures go back to pending with backoff; permanent
// ones park as failed for the reprocess tooling.
func (w *Worker) DrainQueueJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "queue_drain", w.batchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	workerMetrics := obsmetrics.Worker()

	if depth, err := w.queue.CountPending(ctx); err == nil {
		workerMetrics.SetQueueDepth(depth)
	}

	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		claimed, err := w.queue.Claim(ctx, w.batchSize)
		if err != nil {
			w.logWorkerError(ctx, run, "worker.claim.failed", "queue_drain", err)
			return errors.Join(jobErr, err)
		}
		if len(claimed) == 0 {
			workerMetrics.IncBatchDeferred("queue_drain", obsmetrics.WorkerBatchDeferredReasonSkipLockedEmpty)
			break
		}

		for _, job := range claimed {
			if ctx.Err() != nil {
				break
			}
			if err := w.executeJob(ctx, run, job); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			run.AddProcessed(1)
		}
		workerMetrics.AddBatchProcessed("queue_drain", "jobs", len(claimed))
	}

	return jobErr
}

func (w *Worker) executeJob(ctx context.Context, run *jobRun, job *jobsdomain.Job) error {
	name := string(job.JobType)
	workerMetrics := obsmetrics.Worker()
	workerMetrics.IncJobRun(name)

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.dispatchJob(jobCtx, job)
	cancel()
	workerMetrics.ObserveJobDuration(name, time.Since(start))

	if err == nil {
		if markErr := w.queue.MarkSucceeded(ctx, job); markErr != nil {
			w.logWorkerError(ctx, run, "worker.job.bookkeeping_failed", name, markErr,
				zap.String("job_id", job.ID.String()),
			)
			return markErr
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		workerMetrics.IncJobTimeout(name)
	}
	workerMetrics.IncJobError(name, err)
	w.logWorkerError(ctx, run, "worker.job.failed", name, err,
		zap.String("job_id", job.ID.String()),
		zap.String("entity_type", job.EntityType),
		zap.String("entity_id", job.EntityID.String()),
		zap.Int("attempt", job.AttemptCount+1),
	)
	if markErr := w.queue.MarkFailed(ctx, job, err); markErr != nil {
		return errors.Join(err, markErr)
	}
	return err
}

func (w *Worker) dispatchJob(ctx context.Context, job *jobsdomain.Job) error {
	switch job.JobType {
	case jobsdomain.JobTypeAccountingSync:
		return w.runAccountingSync(ctx, job)
	case jobsdomain.JobTypePayoutReconcile:
		return w.runPayoutReconcile(ctx, job)
	default:
		return fmt.Errorf("%w: unhandled job type %q", jobsdomain.ErrPermanent, job.JobType)
	}
}

func (w *Worker) runAccountingSync(ctx context.Context, job *jobsdomain.Job) error {
	_, err := w.accountingSvc.SyncEntity(ctx, job.EntityType, job.EntityID)
	if err == nil {
		return nil
	}
	if accountingdomain.IsTerminalSyncFailure(err) {
		return fmt.Errorf("%w: %v", jobsdomain.ErrPermanent, err)
	}
	return err
}

func (w *Worker) runPayoutReconcile(ctx context.Context, job *jobsdomain.Job) error {
	payout, err := w.payoutRepo.FindPayoutByID(ctx, w.db, job.EntityID)
	if err != nil {
		return err
	}
	if payout == nil {
		return fmt.Errorf("%w: payout %s not found", jobsdomain.ErrPermanent, job.EntityID)
	}
	// A processor-side not-found stays retryable: their read side can lag
	// the webhook that announced the payout.
	_, err = w.payoutSvc.Reconcile(ctx, payout.ExternalPayoutID)
	return err
}

// WebhookRetryJob redrives failed webhook events that still have attempts
// left. The cross-node lock keeps concurrent workers from redriving the
// same batch.
func (w *Worker) WebhookRetryJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "webhook_retry", w.batchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	workerMetrics := obsmetrics.Worker()

	release, acquired := w.locks.TryLock(ctx, "webhook_retry", sweepLockTTL)
	if !acquired {
		workerMetrics.IncBatchDeferred("webhook_retry", obsmetrics.WorkerBatchDeferredReasonLockHeld)
		return nil
	}
	defer release()

	succeeded, failed, err := w.webhookSvc.RetryFailed(ctx, w.batchSize)
	run.AddProcessed(succeeded)
	run.AddErrors(failed)
	workerMetrics.AddBatchProcessed("webhook_retry", "webhook_events", succeeded+failed)
	if err != nil {
		w.logWorkerError(ctx, run, "worker.webhook_retry.failed", "webhook_retry", err)
	}
	return err
}

// SyncBackfillJob re-enqueues accounting sync for entities that settled
// but never got a live job, usually after a manual reset. Dedupe keys
// make the enqueue a no-op when a job already exists.
func (w *Worker) SyncBackfillJob(ctx context.Context) error {
	ctx, run, owner := w.ensureJobRun(ctx, "sync_backfill", w.batchSize)
	if owner {
		w.logJobStart(ctx, run)
		defer w.logJobFinish(ctx, run)
	}
	workerMetrics := obsmetrics.Worker()

	release, acquired := w.locks.TryLock(ctx, "sync_backfill", sweepLockTTL)
	if !acquired {
		workerMetrics.IncBatchDeferred("sync_backfill", obsmetrics.WorkerBatchDeferredReasonLockHeld)
		return nil
	}
	defer release()

	cutoff := w.clock.Now().Add(-backfillGrace)
	var jobErr error

	for _, entityType := range backfillEntityTypes {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		ids, err := w.accountingRepo.ListUnsynced(ctx, w.db, entityType, cutoff, w.batchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			w.logWorkerError(ctx, run, "worker.backfill.failed", "sync_backfill", err,
				zap.String("entity_type", entityType),
			)
			continue
		}

		enqueued := 0
		for _, id := range ids {
			inserted, err := w.queue.Enqueue(ctx, nil, jobsdomain.EnqueueRequest{
				JobType:    jobsdomain.JobTypeAccountingSync,
				EntityType: entityType,
				EntityID:   id,
				DedupeKey:  jobsdomain.SyncDedupeKey(entityType, id),
			})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				w.logWorkerError(ctx, run, "worker.backfill.failed", "sync_backfill", err,
					zap.String("entity_type", entityType),
					zap.String("entity_id", id.String()),
				)
				continue
			}
			if inserted {
				enqueued++
			}
		}
		run.AddProcessed(enqueued)
		workerMetrics.AddBatchProcessed("sync_backfill", "sync_states", enqueued)
	}

	return jobErr
}
