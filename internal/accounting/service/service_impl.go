package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	domain "github.com/memberware/treasury/internal/accounting/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxSyncAttempts = 3

// idempotencyNamespace seeds the deterministic tokens sent with every
// sync, so retried attempts for the same entity collapse upstream into
// one accounting record.
var idempotencyNamespace = uuid.MustParse("7a9f3d1c-5b42-4e8a-b0c6-2f815d9e4a37")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Cfg    config.Config
	Client domain.Client
	Repo   domain.Repository

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	client      domain.Client
	repo        domain.Repository
	currency    string
	maxAttempts int
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	maxAttempts := p.Cfg.Accounting.MaxSyncAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxSyncAttempts
	}
	return &service{
		db:          p.DB,
		log:         p.Log.Named("accounting.service"),
		clock:       p.Clock,
		client:      p.Client,
		repo:        p.Repo,
		currency:    p.Cfg.Currency,
		maxAttempts: maxAttempts,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *service) SyncEntity(ctx context.Context, entityType string, entityID snowflake.ID) (*domain.SyncOutcome, error) {
	if !domain.KnownEntityType(entityType) {
		return nil, domain.ErrUnknownEntityType
	}

	view, err := s.repo.FindEntity(ctx, s.db, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, domain.ErrEntityNotFound
	}

	switch view.Status {
	case domain.SyncStatusSynced:
		return outcomeOf(view), nil
	case domain.SyncStatusSyncing:
		return outcomeOf(view), domain.ErrSyncInProgress
	case domain.SyncStatusFailed:
		if view.Attempts >= s.maxAttempts {
			return outcomeOf(view), domain.ErrSyncAttemptsExhausted
		}
	}

	now := s.clock.Now()
	claimed, err := s.repo.ClaimEntity(ctx, s.db, entityType, entityID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the claim race. Report whatever state the winner left.
		current, err := s.repo.FindEntity(ctx, s.db, entityType, entityID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrEntityNotFound
		}
		if current.Status == domain.SyncStatusSynced {
			return outcomeOf(current), nil
		}
		return outcomeOf(current), domain.ErrSyncInProgress
	}
	attempts := view.Attempts + 1

	record := domain.SyncRecord{
		EntityType:     entityType,
		EntityID:       entityID,
		IdempotencyKey: idempotencyKey(entityType, entityID),
		Amount:         view.Amount,
		Currency:       s.currency,
		Reference:      view.Reference,
		Description:    view.Description,
		OccurredAt:     view.OccurredAt,
		Metadata:       view.Metadata,
	}

	result, syncErr := s.client.SyncRecord(ctx, record)
	if syncErr != nil {
		return s.recordFailure(ctx, entityType, entityID, attempts, syncErr)
	}

	if err := s.repo.MarkSynced(ctx, s.db, entityType, entityID, result.ExternalID, s.clock.Now()); err != nil {
		return nil, err
	}
	s.observe(ctx, entityType, "synced")
	s.log.Info("accounting.sync.synced",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID.String()),
		zap.String("external_id", result.ExternalID),
		zap.Int("attempts", attempts),
	)

	externalID := result.ExternalID
	return &domain.SyncOutcome{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     domain.SyncStatusSynced,
		ExternalID: &externalID,
		Attempts:   attempts,
	}, nil
}

func (s *service) recordFailure(ctx context.Context, entityType string, entityID snowflake.ID, attempts int, syncErr error) (*domain.SyncOutcome, error) {
	if markErr := s.repo.MarkSyncFailed(ctx, s.db, entityType, entityID, syncErr.Error()); markErr != nil {
		s.log.Error("accounting.sync.mark_failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID.String()),
			zap.Error(markErr),
		)
	}

	var typed *domain.SyncError
	terminal := errors.As(syncErr, &typed) && !typed.Retryable
	exhausted := attempts >= s.maxAttempts

	s.observe(ctx, entityType, "failed")
	s.log.Warn("accounting.sync.failed",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID.String()),
		zap.Int("attempts", attempts),
		zap.Bool("terminal", terminal || exhausted),
		zap.Error(syncErr),
	)

	outcome := &domain.SyncOutcome{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     domain.SyncStatusFailed,
		Attempts:   attempts,
	}
	if exhausted && !terminal {
		return outcome, fmt.Errorf("%w: %v", domain.ErrSyncAttemptsExhausted, syncErr)
	}
	return outcome, syncErr
}

func (s *service) observe(ctx context.Context, entityType string, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAccountingSync(ctx, entityType, outcome)
	}
}

func outcomeOf(view *domain.EntityView) *domain.SyncOutcome {
	return &domain.SyncOutcome{
		EntityType: view.EntityType,
		EntityID:   view.EntityID,
		Status:     view.Status,
		ExternalID: view.ExternalID,
		Attempts:   view.Attempts,
	}
}

func idempotencyKey(entityType string, entityID snowflake.ID) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(fmt.Sprintf("%s:%d", entityType, entityID))).String()
}
