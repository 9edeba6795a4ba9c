package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	ledgerdomain "github.com/memberware/treasury/internal/ledger/domain"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	"github.com/memberware/treasury/internal/webhook/adapters"
	domain "github.com/memberware/treasury/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultRetryBatch = 50

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Adapters   *adapters.Registry
	Repo       domain.Repository
	LedgerSvc  ledgerdomain.Service
	PayoutSvc  payoutdomain.Service
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	adapters    *adapters.Registry
	repo        domain.Repository
	ledgerSvc   ledgerdomain.Service
	payoutSvc   payoutdomain.Service
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
	secret      string
	currency    string
	maxAttempts int
}

func NewService(p Params) domain.Service {
	maxAttempts := p.Cfg.Webhook.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		adapters:    p.Adapters,
		repo:        p.Repo,
		ledgerSvc:   p.LedgerSvc,
		payoutSvc:   p.PayoutSvc,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,
		secret:      p.Cfg.Processor.WebhookSecret,
		currency:    p.Cfg.Currency,
		maxAttempts: maxAttempts,
	}
}

// Ingest verifies, stores and processes one delivery. A redelivered
// event resumes from its stored row instead of inserting a second one.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrUnknownProvider
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, domain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, s.adapterConfig(provider))
	if err != nil {
		return nil, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return nil, err
	}
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	if event.EventID == "" || event.Type == "" {
		return nil, domain.ErrInvalidEvent
	}

	record := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventID:    event.EventID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(payload),
		Status:     domain.EventStatusPending,
		ReceivedAt: s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, provider, event.EventID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("webhook: event %s/%s missing after duplicate insert", provider, event.EventID)
		}
		return s.resume(ctx, stored, event)
	}

	return s.run(ctx, record, event)
}

// Redrive reprocesses a stored event from its persisted payload. The
// attempt cap does not apply here; the operator asked explicitly.
func (s *Service) Redrive(ctx context.Context, eventID snowflake.ID) (*domain.IngestResult, error) {
	stored, err := s.repo.FindEventByID(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.ErrEventNotFound
	}
	if stored.Status == domain.EventStatusSucceeded {
		result := &domain.IngestResult{
			EventID:      stored.ID,
			EventType:    stored.EventType,
			Status:       stored.Status,
			Deduplicated: true,
		}
		return result, domain.ErrEventAlreadyProcessed
	}
	return s.redrive(ctx, stored)
}

// RetryFailed redrives failed events with attempts left, oldest first.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int, int, error) {
	if limit <= 0 {
		limit = defaultRetryBatch
	}
	events, err := s.repo.ListRetryable(ctx, s.db, s.maxAttempts, limit)
	if err != nil {
		return 0, 0, err
	}

	var succeeded, failed int
	for _, stored := range events {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}
		if _, err := s.redrive(ctx, stored); err != nil {
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}

// resume handles a redelivery of an event that already has a row.
// Succeeded events return without reprocessing; terminally failed
// events are acknowledged so the provider stops redelivering.
func (s *Service) resume(ctx context.Context, stored *domain.WebhookEvent, event *domain.ProviderEvent) (*domain.IngestResult, error) {
	result := &domain.IngestResult{
		EventID:      stored.ID,
		EventType:    stored.EventType,
		Status:       stored.Status,
		Deduplicated: true,
	}

	switch {
	case stored.Status == domain.EventStatusSucceeded:
		s.log.Debug("webhook.event.deduplicated",
			zap.String("provider", stored.Provider),
			zap.String("event_id", stored.EventID),
		)
		return result, nil
	case stored.Status == domain.EventStatusFailed && stored.AttemptCount >= s.maxAttempts:
		s.observe(ctx, stored.Provider, stored.EventType, "discarded")
		s.log.Warn("webhook.event.discarded",
			zap.String("provider", stored.Provider),
			zap.String("event_id", stored.EventID),
			zap.Int("attempt_count", stored.AttemptCount),
		)
		return result, nil
	}

	res, err := s.run(ctx, stored, event)
	if res != nil {
		res.Deduplicated = true
	}
	return res, err
}

// redrive re-parses the stored payload and runs the event again.
func (s *Service) redrive(ctx context.Context, stored *domain.WebhookEvent) (*domain.IngestResult, error) {
	adapter, err := s.adapters.NewAdapter(stored.Provider, s.adapterConfig(stored.Provider))
	if err != nil {
		return nil, err
	}
	event, err := adapter.Parse(ctx, []byte(stored.Payload))
	if err != nil {
		// The stored payload no longer parses. Count the attempt so
		// the sweep eventually gives up on it.
		if markErr := s.repo.MarkFailed(ctx, s.db, stored.ID, err.Error()); markErr != nil {
			s.log.Error("webhook.event.mark_failed",
				zap.String("event_id", stored.EventID),
				zap.Error(markErr),
			)
		}
		return nil, err
	}
	return s.run(ctx, stored, event)
}

// run claims the event row, dispatches it and records the outcome.
func (s *Service) run(ctx context.Context, record *domain.WebhookEvent, event *domain.ProviderEvent) (*domain.IngestResult, error) {
	claimed, err := s.repo.ClaimEvent(ctx, s.db, record.ID,
		[]domain.EventStatus{domain.EventStatusPending, domain.EventStatusFailed})
	if err != nil {
		return nil, err
	}
	if !claimed {
		stored, err := s.repo.FindEventByID(ctx, s.db, record.ID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, domain.ErrEventNotFound
		}
		return &domain.IngestResult{
			EventID:   stored.ID,
			EventType: stored.EventType,
			Status:    stored.Status,
		}, nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		if markErr := s.repo.MarkFailed(ctx, s.db, record.ID, err.Error()); markErr != nil {
			s.log.Error("webhook.event.mark_failed",
				zap.String("event_id", record.EventID),
				zap.Error(markErr),
			)
		}
		s.observe(ctx, record.Provider, record.EventType, "failed")
		s.log.Warn("webhook.event.failed",
			zap.String("provider", record.Provider),
			zap.String("event_id", record.EventID),
			zap.String("event_type", record.EventType),
			zap.Error(err),
		)
		return &domain.IngestResult{
			EventID:   record.ID,
			EventType: record.EventType,
			Status:    domain.EventStatusFailed,
		}, err
	}

	if err := s.repo.MarkSucceeded(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return nil, err
	}
	s.observe(ctx, record.Provider, record.EventType, "succeeded")
	s.log.Info("webhook.event.processed",
		zap.String("provider", record.Provider),
		zap.String("event_id", record.EventID),
		zap.String("event_type", record.EventType),
	)
	return &domain.IngestResult{
		EventID:   record.ID,
		EventType: record.EventType,
		Status:    domain.EventStatusSucceeded,
	}, nil
}

func (s *Service) dispatch(ctx context.Context, event *domain.ProviderEvent) error {
	if err := s.checkCurrency(event.Currency); err != nil {
		return err
	}
	switch event.Type {
	case domain.EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case domain.EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case domain.EventTypeRefundSucceeded:
		return s.handleRefundSucceeded(ctx, event)
	case domain.EventTypeDisputeCreated:
		return s.handleDisputeCreated(ctx, event)
	case domain.EventTypePayoutPaid:
		return s.handlePayoutPaid(ctx, event)
	default:
		return domain.ErrInvalidEvent
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *domain.ProviderEvent) error {
	_, err := s.ledgerSvc.ProcessPayment(ctx, ledgerdomain.ProcessPaymentRequest{
		UserID:            event.UserID,
		Amount:            event.Amount,
		ProcessorFee:      event.Fee,
		EntityType:        event.EntityType,
		EntityID:          event.EntityID.String(),
		ExternalProvider:  event.Provider,
		ExternalPaymentID: event.ExternalPaymentID,
		Description:       event.Description,
		OccurredAt:        event.OccurredAt,
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateExternalPayment) {
		return nil
	}
	return err
}

// handlePaymentFailed records the failed attempt. No money moved, so
// nothing posts to the ledger.
func (s *Service) handlePaymentFailed(ctx context.Context, event *domain.ProviderEvent) error {
	s.audit(ctx, "webhook.payment.failed", "payment_attempt", event.ExternalPaymentID, map[string]any{
		"provider": event.Provider,
		"event_id": event.EventID,
		"user_id":  event.UserID,
		"amount":   event.Amount,
		"reason":   event.Reason,
	})
	s.log.Info("webhook.payment.failed",
		zap.String("provider", event.Provider),
		zap.String("external_payment_id", event.ExternalPaymentID),
		zap.String("reason", event.Reason),
	)
	return nil
}

func (s *Service) handleRefundSucceeded(ctx context.Context, event *domain.ProviderEvent) error {
	_, err := s.ledgerSvc.ProcessRefund(ctx, ledgerdomain.ProcessRefundRequest{
		ExternalPaymentID: event.ExternalPaymentID,
		ExternalRefundID:  event.ExternalRefundID,
		Amount:            event.Amount,
		Reason:            event.Reason,
		OccurredAt:        event.OccurredAt,
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateExternalRefund) {
		return nil
	}
	return err
}

// handleDisputeCreated flags the dispute for operators. Funds move only
// when the processor settles the dispute through a payout adjustment.
func (s *Service) handleDisputeCreated(ctx context.Context, event *domain.ProviderEvent) error {
	s.audit(ctx, "webhook.dispute.created", "payment", event.ExternalPaymentID, map[string]any{
		"provider": event.Provider,
		"event_id": event.EventID,
		"amount":   event.Amount,
		"reason":   event.Reason,
	})
	s.log.Warn("webhook.dispute.created",
		zap.String("provider", event.Provider),
		zap.String("external_payment_id", event.ExternalPaymentID),
		zap.Int64("amount", event.Amount),
		zap.String("reason", event.Reason),
	)
	return nil
}

func (s *Service) handlePayoutPaid(ctx context.Context, event *domain.ProviderEvent) error {
	req := payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: event.ExternalPayoutID,
		Provider:         event.Provider,
		Amount:           event.Amount,
	}
	if !event.OccurredAt.IsZero() {
		arrival := event.OccurredAt
		req.ArrivalDate = &arrival
	}
	_, err := s.payoutSvc.RegisterPayout(ctx, req)
	return err
}

func (s *Service) checkCurrency(currency string) error {
	if currency == "" || s.currency == "" {
		return nil
	}
	if !strings.EqualFold(currency, s.currency) {
		return fmt.Errorf("%w: got %s want %s", domain.ErrCurrencyMismatch, currency, s.currency)
	}
	return nil
}

func (s *Service) adapterConfig(provider string) domain.AdapterConfig {
	return domain.AdapterConfig{
		Provider:      provider,
		WebhookSecret: s.secret,
	}
}

func (s *Service) observe(ctx context.Context, provider, eventType, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, outcome)
	}
}

func (s *Service) audit(ctx context.Context, action string, targetType string, targetID string, metadata map[string]any) {
	var idPtr *string
	if targetID != "" {
		idPtr = &targetID
	}
	if err := s.auditSvc.Record(ctx, string(auditdomain.ActorTypeWebhook), nil, action, targetType, idPtr, metadata); err != nil {
		s.log.Warn("failed to write webhook audit log", zap.String("action", action), zap.Error(err))
	}
}
