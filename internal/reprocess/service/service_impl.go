package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	"github.com/memberware/treasury/internal/reprocess/domain"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
	"github.com/memberware/treasury/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const retryAllBatch = 100

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Repo           domain.Repository
	Queue          jobsdomain.Queue
	WebhookRepo    webhookdomain.Repository
	WebhookSvc     webhookdomain.Service
	AccountingSvc  accountingdomain.Service
	AccountingRepo accountingdomain.Repository
	PayoutRepo     payoutdomain.Repository
	PayoutSvc      payoutdomain.Service
	AuditSvc       auditdomain.Service
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	repo           domain.Repository
	queue          jobsdomain.Queue
	webhookRepo    webhookdomain.Repository
	webhooks       webhookdomain.Service
	accounting     accountingdomain.Service
	accountingRepo accountingdomain.Repository
	payoutRepo     payoutdomain.Repository
	payouts        payoutdomain.Service
	auditSvc       auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("reprocess.service"),
		clock:          p.Clock,
		repo:           p.Repo,
		queue:          p.Queue,
		webhookRepo:    p.WebhookRepo,
		webhooks:       p.WebhookSvc,
		accounting:     p.AccountingSvc,
		accountingRepo: p.AccountingRepo,
		payoutRepo:     p.PayoutRepo,
		payouts:        p.PayoutSvc,
		auditSvc:       p.AuditSvc,
	}
}

func (s *Service) ListFailed(ctx context.Context, filter domain.Filter) (domain.ListFailedResponse, error) {
	if filter.Kind != "" && !domain.KnownKind(filter.Kind) {
		return domain.ListFailedResponse{}, domain.ErrUnknownKind
	}

	var cursor *domain.Cursor
	if strings.TrimSpace(filter.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil {
			return domain.ListFailedResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil || decoded.ID == 0 {
			return domain.ListFailedResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{
			ID:        snowflake.ID(decoded.ID),
			CreatedAt: createdAt,
		}
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	records, err := s.listPage(ctx, filter, cursor, pageSize)
	if err != nil {
		return domain.ListFailedResponse{}, err
	}

	records, pageInfo, err := pagination.BuildCursorPage(records, pageSize, func(item *domain.FailedRecord) pagination.Cursor {
		return pagination.Cursor{
			ID:        int64(item.ID),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return domain.ListFailedResponse{}, err
	}

	out := make([]domain.FailedRecord, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, *record)
	}

	resp := domain.ListFailedResponse{Records: out}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	since := s.clock.Now().Add(-24 * time.Hour)
	return s.repo.Stats(ctx, s.db, since)
}

// RetryOne re-runs one failed record and audits the attempt with its
// outcome. Rejected targets are not audited since nothing ran.
func (s *Service) RetryOne(ctx context.Context, kind domain.Kind, id snowflake.ID) error {
	if !domain.KnownKind(kind) {
		return domain.ErrUnknownKind
	}

	err := s.retryRecord(ctx, kind, id)
	if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrNotInFailedState) {
		return err
	}

	metadata := map[string]any{"outcome": "succeeded"}
	if err != nil {
		metadata["outcome"] = "failed"
		metadata["error"] = err.Error()
	}
	s.audit(ctx, "reprocess.retried", string(kind), id.String(), metadata)
	return err
}

// RetryAll walks the failed records matching the filter and retries each
// one. The cursor only moves forward, so a record that fails again is
// not picked up twice within one pass.
func (s *Service) RetryAll(ctx context.Context, filter domain.Filter, dryRun bool) (*domain.RetryAllResult, error) {
	if filter.Kind != "" && !domain.KnownKind(filter.Kind) {
		return nil, domain.ErrUnknownKind
	}

	result := &domain.RetryAllResult{DryRun: dryRun}
	var cursor *domain.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.listPage(ctx, filter, cursor, retryAllBatch)
		if err != nil {
			return nil, err
		}
		if len(page) > retryAllBatch {
			page = page[:retryAllBatch]
		}
		if len(page) == 0 {
			break
		}

		result.Found += len(page)
		for _, record := range page {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if dryRun {
				continue
			}
			err := s.retryRecord(ctx, record.Kind, record.ID)
			switch {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, domain.ErrRecordNotFound), errors.Is(err, domain.ErrNotInFailedState):
				// Raced away since the listing; nothing left to retry.
			default:
				result.Failed++
			}
		}

		last := page[len(page)-1]
		cursor = &domain.Cursor{ID: last.ID, CreatedAt: last.CreatedAt}
		if len(page) < retryAllBatch {
			break
		}
	}

	if !dryRun {
		s.audit(ctx, "reprocess.retry_all", "reprocess", "", map[string]any{
			"found":     result.Found,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		})
		s.log.Info("reprocess.retry_all",
			zap.Int("found", result.Found),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (s *Service) ResetToPending(ctx context.Context, kind domain.Kind, id snowflake.ID) error {
	switch kind {
	case domain.KindWebhookEvent:
		return s.resetEvent(ctx, id)
	case domain.KindSync:
		return s.resetJob(ctx, id)
	default:
		return domain.ErrUnknownKind
	}
}

// listPage fetches one keyset page across the queues the filter spans.
// Queue-specific filters narrow the span: provider and event type only
// exist on webhook events, entity type only on jobs.
func (s *Service) listPage(ctx context.Context, filter domain.Filter, cursor *domain.Cursor, limit int) ([]*domain.FailedRecord, error) {
	includeEvents := filter.Kind == "" || filter.Kind == domain.KindWebhookEvent
	includeJobs := filter.Kind == "" || filter.Kind == domain.KindSync
	if strings.TrimSpace(filter.Provider) != "" || strings.TrimSpace(filter.EventType) != "" {
		includeJobs = false
	}
	if strings.TrimSpace(filter.EntityType) != "" {
		includeEvents = false
	}

	q := domain.ListQuery{
		Provider:   filter.Provider,
		EventType:  filter.EventType,
		EntityType: filter.EntityType,
		Since:      filter.Since,
		Cursor:     cursor,
		Limit:      limit,
	}

	var records []*domain.FailedRecord
	if includeEvents {
		events, err := s.repo.ListFailedEvents(ctx, s.db, q)
		if err != nil {
			return nil, err
		}
		records = append(records, events...)
	}
	if includeJobs {
		jobs, err := s.repo.ListFailedJobs(ctx, s.db, q)
		if err != nil {
			return nil, err
		}
		records = append(records, jobs...)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *Service) retryRecord(ctx context.Context, kind domain.Kind, id snowflake.ID) error {
	switch kind {
	case domain.KindWebhookEvent:
		return s.retryEvent(ctx, id)
	case domain.KindSync:
		return s.retryJob(ctx, id)
	default:
		return domain.ErrUnknownKind
	}
}

// retryEvent redrives one failed webhook event from its stored payload.
// The webhook service owns the row's bookkeeping.
func (s *Service) retryEvent(ctx context.Context, id snowflake.ID) error {
	stored, err := s.webhookRepo.FindEventByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if stored == nil {
		return domain.ErrRecordNotFound
	}
	if stored.Status != webhookdomain.EventStatusFailed {
		return domain.ErrNotInFailedState
	}

	if _, err := s.webhooks.Redrive(ctx, id); err != nil {
		return err
	}
	return nil
}

// retryJob re-executes one terminally failed job through its handler and
// records the outcome on the job row. A retry that fails again with a
// retryable cause and attempts left re-enters the backoff loop instead
// of staying parked.
func (s *Service) retryJob(ctx context.Context, id snowflake.ID) error {
	job, err := s.repo.FindJob(ctx, s.db, id)
	if err != nil {
		return err
	}
	if job == nil {
		return domain.ErrRecordNotFound
	}
	if job.Status != jobsdomain.JobStatusFailed {
		return domain.ErrNotInFailedState
	}

	runErr := s.executeJob(ctx, job)
	if runErr == nil {
		return s.queue.MarkSucceeded(ctx, job)
	}
	if markErr := s.queue.MarkFailed(ctx, job, runErr); markErr != nil {
		return errors.Join(runErr, markErr)
	}
	return runErr
}

func (s *Service) executeJob(ctx context.Context, job *jobsdomain.Job) error {
	switch job.JobType {
	case jobsdomain.JobTypeAccountingSync:
		_, err := s.accounting.SyncEntity(ctx, job.EntityType, job.EntityID)
		if err == nil {
			return nil
		}
		if accountingdomain.IsTerminalSyncFailure(err) {
			return fmt.Errorf("%w: %v", jobsdomain.ErrPermanent, err)
		}
		return err
	case jobsdomain.JobTypePayoutReconcile:
		payout, err := s.payoutRepo.FindPayoutByID(ctx, s.db, job.EntityID)
		if err != nil {
			return err
		}
		if payout == nil {
			return fmt.Errorf("%w: payout %s not found", jobsdomain.ErrPermanent, job.EntityID)
		}
		_, err = s.payouts.Reconcile(ctx, payout.ExternalPayoutID)
		return err
	default:
		return fmt.Errorf("%w: unhandled job type %q", jobsdomain.ErrPermanent, job.JobType)
	}
}

func (s *Service) resetEvent(ctx context.Context, id snowflake.ID) error {
	stored, err := s.webhookRepo.FindEventByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if stored == nil {
		return domain.ErrRecordNotFound
	}

	ok, err := s.repo.ResetEvent(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotInFailedState
	}

	s.audit(ctx, "reprocess.reset", string(domain.KindWebhookEvent), id.String(), map[string]any{
		"provider":   stored.Provider,
		"event_type": stored.EventType,
	})
	s.log.Info("reprocess.event.reset",
		zap.String("provider", stored.Provider),
		zap.String("event_id", stored.EventID),
	)
	return nil
}

// resetJob rearms a failed job and, for accounting syncs, clears the
// entity's failed sync state in the same transaction so the attempt cap
// starts over.
func (s *Service) resetJob(ctx context.Context, id snowflake.ID) error {
	job, err := s.repo.FindJob(ctx, s.db, id)
	if err != nil {
		return err
	}
	if job == nil {
		return domain.ErrRecordNotFound
	}
	if job.Status != jobsdomain.JobStatusFailed {
		return domain.ErrNotInFailedState
	}

	now := s.clock.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.ResetJob(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotInFailedState
		}
		if job.JobType == jobsdomain.JobTypeAccountingSync {
			if _, err := s.accountingRepo.ResetSyncState(ctx, tx, job.EntityType, job.EntityID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, "reprocess.reset", string(domain.KindSync), id.String(), map[string]any{
		"job_type":    string(job.JobType),
		"entity_type": job.EntityType,
		"entity_id":   job.EntityID.String(),
	})
	s.log.Info("reprocess.job.reset",
		zap.String("job_type", string(job.JobType)),
		zap.String("entity_type", job.EntityType),
		zap.String("entity_id", job.EntityID.String()),
	)
	return nil
}

func (s *Service) audit(ctx context.Context, action string, targetType string, targetID string, metadata map[string]any) {
	var target *string
	if targetID != "" {
		target = &targetID
	}
	if err := s.auditSvc.Record(ctx, "", nil, action, targetType, target, metadata); err != nil {
		s.log.Warn("failed to write reprocess audit log", zap.String("action", action), zap.Error(err))
	}
}
