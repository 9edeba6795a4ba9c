package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	domain "github.com/memberware/treasury/internal/payout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxMovementPages bounds pagination against a gateway that never
// reports the last page.
const maxMovementPages = 1000

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Gateway    domain.Gateway
	Repo       domain.Repository
	Queue      jobsdomain.Queue
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	gateway    domain.Gateway
	repo       domain.Repository
	queue      jobsdomain.Queue
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	currency   string
	pageSize   int
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		gateway:    p.Gateway,
		repo:       p.Repo,
		queue:      p.Queue,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		currency:   p.Cfg.Currency,
		pageSize:   p.Cfg.Processor.PageSize,
	}
}

// RegisterPayout records the payout and enqueues its reconciliation.
// A replayed payout id returns the stored row without a second job.
func (s *Service) RegisterPayout(ctx context.Context, req domain.RegisterPayoutRequest) (*domain.Payout, error) {
	req.ExternalPayoutID = strings.TrimSpace(req.ExternalPayoutID)
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if req.ExternalPayoutID == "" || provider == "" || req.Amount <= 0 {
		return nil, domain.ErrInvalidPayout
	}

	var payout *domain.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		record := &domain.Payout{
			ID:               s.genID.Generate(),
			ExternalPayoutID: req.ExternalPayoutID,
			ExternalProvider: provider,
			Amount:           req.Amount,
			Status:           domain.PayoutStatusPaid,
			ArrivalDate:      req.ArrivalDate,
			SyncState: accountingdomain.SyncState{
				SyncStatus: accountingdomain.SyncStatusPending,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		inserted, err := s.repo.UpsertPayout(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.repo.FindPayoutByExternalID(ctx, tx, req.ExternalPayoutID)
			if err != nil {
				return err
			}
			if stored == nil {
				return fmt.Errorf("payout: %s missing after duplicate insert", req.ExternalPayoutID)
			}
			payout = stored
			return nil
		}

		if _, err := s.queue.Enqueue(ctx, tx, jobsdomain.EnqueueRequest{
			JobType:    jobsdomain.JobTypePayoutReconcile,
			EntityType: accountingdomain.EntityTypePayout,
			EntityID:   record.ID,
			DedupeKey:  jobsdomain.ReconcileDedupeKey(record.ID),
		}); err != nil {
			return err
		}

		payout = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout.registered",
		zap.String("payout_id", payout.ID.String()),
		zap.String("external_payout_id", payout.ExternalPayoutID),
		zap.Int64("amount", payout.Amount),
	)
	return payout, nil
}

// Reconcile pulls the payout's balance movements from the processor,
// recomputes the linked payment/refund sets and the fee total, and
// replaces the stored sets in one transaction. Safe to re-run.
func (s *Service) Reconcile(ctx context.Context, externalPayoutID string) (*domain.ReconcileResult, error) {
	externalPayoutID = strings.TrimSpace(externalPayoutID)
	if externalPayoutID == "" {
		return nil, domain.ErrInvalidPayout
	}

	payout, err := s.repo.FindPayoutByExternalID(ctx, s.db, externalPayoutID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, domain.ErrPayoutNotFound
	}

	detail, err := s.gateway.FetchPayout(ctx, externalPayoutID)
	if err != nil {
		return nil, err
	}
	if detail.Amount != payout.Amount {
		s.log.Warn("payout.amount_mismatch",
			zap.String("external_payout_id", externalPayoutID),
			zap.Int64("recorded", payout.Amount),
			zap.Int64("reported", detail.Amount),
		)
	}

	movements, err := s.fetchAllMovements(ctx, externalPayoutID)
	if err != nil {
		return nil, err
	}
	summary := s.classify(movements)

	var result *domain.ReconcileResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paymentByRef, err := s.repo.MapPaymentsByExternalID(ctx, tx, summary.paymentRefs)
		if err != nil {
			return err
		}
		refundByRef, err := s.repo.MapRefundsByExternalID(ctx, tx, summary.refundRefs)
		if err != nil {
			return err
		}

		unresolved := append([]string(nil), summary.unresolved...)
		paymentIDs := make([]snowflake.ID, 0, len(summary.paymentRefs))
		for _, ref := range summary.paymentRefs {
			id, ok := paymentByRef[ref]
			if !ok {
				unresolved = append(unresolved, ref)
				continue
			}
			paymentIDs = append(paymentIDs, id)
		}
		refundIDs := make([]snowflake.ID, 0, len(summary.refundRefs))
		for _, ref := range summary.refundRefs {
			id, ok := refundByRef[ref]
			if !ok {
				unresolved = append(unresolved, ref)
				continue
			}
			refundIDs = append(refundIDs, id)
		}

		if err := s.repo.ReplaceLinks(ctx, tx, payout.ID, paymentIDs, refundIDs); err != nil {
			return err
		}
		if err := s.repo.UpdateReconciliation(ctx, tx, payout.ID, summary.feeTotal, len(unresolved), unresolved, domain.PayoutStatusReconciled); err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, tx, jobsdomain.EnqueueRequest{
			JobType:    jobsdomain.JobTypeAccountingSync,
			EntityType: accountingdomain.EntityTypePayout,
			EntityID:   payout.ID,
			DedupeKey:  jobsdomain.SyncDedupeKey(accountingdomain.EntityTypePayout, payout.ID),
		}); err != nil {
			return err
		}

		result = &domain.ReconcileResult{
			PayoutID:       payout.ID,
			LinkedPayments: len(paymentIDs),
			LinkedRefunds:  len(refundIDs),
			FeeTotal:       summary.feeTotal,
			Unresolved:     len(unresolved),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "complete"
	if result.Unresolved > 0 {
		outcome = "partial"
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPayoutReconcile(ctx, outcome)
	}
	s.audit(ctx, "payout.reconciled", "payout", payout.ID, map[string]any{
		"external_payout_id": externalPayoutID,
		"linked_payments":    result.LinkedPayments,
		"linked_refunds":     result.LinkedRefunds,
		"fee_total":          result.FeeTotal,
		"unresolved":         result.Unresolved,
	})
	s.log.Info("payout.reconciled",
		zap.String("external_payout_id", externalPayoutID),
		zap.Int("linked_payments", result.LinkedPayments),
		zap.Int("linked_refunds", result.LinkedRefunds),
		zap.Int64("fee_total", result.FeeTotal),
		zap.Int("unresolved", result.Unresolved),
	)
	return result, nil
}

func (s *Service) fetchAllMovements(ctx context.Context, externalPayoutID string) ([]domain.BalanceMovement, error) {
	var all []domain.BalanceMovement
	startingAfter := ""
	for page := 0; page < maxMovementPages; page++ {
		movements, err := s.gateway.ListBalanceMovements(ctx, externalPayoutID, startingAfter, s.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, movements.Movements...)
		if !movements.HasMore || movements.NextStartAfter == "" {
			return all, nil
		}
		startingAfter = movements.NextStartAfter
	}
	return nil, fmt.Errorf("payout: movement pagination for %s did not terminate", externalPayoutID)
}

type movementSummary struct {
	paymentRefs []string
	refundRefs  []string
	feeTotal    int64
	unresolved  []string
}

// classify splits movements into payment/refund references and fees.
// Movements in a foreign currency are never matched; they surface in
// the unresolved list for an operator.
func (s *Service) classify(movements []domain.BalanceMovement) movementSummary {
	var out movementSummary
	seenPayments := map[string]struct{}{}
	seenRefunds := map[string]struct{}{}

	for _, movement := range movements {
		if movement.Currency != "" && s.currency != "" && !strings.EqualFold(movement.Currency, s.currency) {
			out.unresolved = append(out.unresolved, movementRef(movement))
			continue
		}
		out.feeTotal += movement.Fee

		switch movement.Kind {
		case domain.MovementKindPayment:
			if movement.Reference == "" {
				out.unresolved = append(out.unresolved, movement.ID)
				continue
			}
			if _, ok := seenPayments[movement.Reference]; ok {
				continue
			}
			seenPayments[movement.Reference] = struct{}{}
			out.paymentRefs = append(out.paymentRefs, movement.Reference)
		case domain.MovementKindRefund:
			if movement.Reference == "" {
				out.unresolved = append(out.unresolved, movement.ID)
				continue
			}
			if _, ok := seenRefunds[movement.Reference]; ok {
				continue
			}
			seenRefunds[movement.Reference] = struct{}{}
			out.refundRefs = append(out.refundRefs, movement.Reference)
		case domain.MovementKindFee, domain.MovementKindAdjustment:
			// Fee component only, nothing to link.
		default:
			out.unresolved = append(out.unresolved, movementRef(movement))
		}
	}
	return out
}

func movementRef(movement domain.BalanceMovement) string {
	if movement.Reference != "" {
		return movement.Reference
	}
	return movement.ID
}

func (s *Service) audit(ctx context.Context, action string, targetType string, targetID snowflake.ID, metadata map[string]any) {
	id := targetID.String()
	if err := s.auditSvc.Record(ctx, "", nil, action, targetType, &id, metadata); err != nil {
		s.log.Warn("failed to write payout audit log", zap.String("action", action), zap.Error(err))
	}
}
