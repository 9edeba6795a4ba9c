package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	ledgerdomain "github.com/memberware/treasury/internal/ledger/domain"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Chart      *config.ChartConfigHolder
	Repo       ledgerdomain.Repository
	Queue      jobsdomain.Queue
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	chart      *config.ChartConfigHolder
	repo       ledgerdomain.Repository
	queue      jobsdomain.Queue
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		chart:      p.Chart,
		repo:       p.Repo,
		queue:      p.Queue,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ProcessPayment(ctx context.Context, req ledgerdomain.ProcessPaymentRequest) (*ledgerdomain.Payment, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.ProcessorFee < 0 {
		return nil, ledgerdomain.ErrInvalidProcessorFee
	}
	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	provider := strings.ToLower(strings.TrimSpace(req.ExternalProvider))
	if req.ExternalPaymentID == "" || provider == "" {
		return nil, ledgerdomain.ErrInvalidExternalPayment
	}

	revenueCode, ok := s.chart.Get().RevenueAccountCode(req.EntityType)
	if !ok {
		return nil, ledgerdomain.ErrUnknownEntityType
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	var (
		payment  *ledgerdomain.Payment
		existing *ledgerdomain.Payment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		record := &ledgerdomain.Payment{
			ID:                s.genID.Generate(),
			ExternalProvider:  provider,
			ExternalPaymentID: req.ExternalPaymentID,
			Amount:            req.Amount,
			Status:            ledgerdomain.PaymentStatusSucceeded,
			UserID:            req.UserID,
			Description:       strings.TrimSpace(req.Description),
			PaymentDate:       occurredAt,
			SyncState: accountingdomain.SyncState{
				SyncStatus: accountingdomain.SyncStatusPending,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		record.ReferenceID = "PAY-" + record.ID.String()

		inserted, err := s.repo.InsertPayment(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.repo.FindPaymentByExternalID(ctx, tx, req.ExternalPaymentID)
			if err != nil {
				return err
			}
			existing = stored
			return ledgerdomain.ErrDuplicateExternalPayment
		}

		cash, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeCash)
		if err != nil {
			return err
		}
		revenue, err := s.accountByCode(ctx, tx, revenueCode)
		if err != nil {
			return err
		}

		txn := &ledgerdomain.Transaction{
			ID:          s.genID.Generate(),
			Kind:        ledgerdomain.TransactionKindPayment,
			PaymentID:   &record.ID,
			TotalAmount: req.Amount,
			Status:      ledgerdomain.TransactionStatusPosted,
			Description: record.Description,
			OccurredAt:  occurredAt,
			CreatedAt:   now,
		}
		entries := []*ledgerdomain.Entry{
			{
				ID:                s.genID.Generate(),
				TransactionID:     txn.ID,
				AccountID:         cash.ID,
				PaymentID:         &record.ID,
				RelatedEntityType: req.EntityType,
				RelatedEntityID:   req.EntityID,
				Description:       "payment received",
				Amount:            req.Amount,
				CreatedAt:         now,
			},
			{
				ID:                s.genID.Generate(),
				TransactionID:     txn.ID,
				AccountID:         revenue.ID,
				PaymentID:         &record.ID,
				RelatedEntityType: req.EntityType,
				RelatedEntityID:   req.EntityID,
				Description:       "revenue recognized",
				Amount:            -req.Amount,
				CreatedAt:         now,
			},
		}
		if req.ProcessorFee > 0 {
			fees, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeProcessorFees)
			if err != nil {
				return err
			}
			entries = append(entries,
				&ledgerdomain.Entry{
					ID:            s.genID.Generate(),
					TransactionID: txn.ID,
					AccountID:     fees.ID,
					PaymentID:     &record.ID,
					Description:   "processor fee",
					Amount:        req.ProcessorFee,
					CreatedAt:     now,
				},
				&ledgerdomain.Entry{
					ID:            s.genID.Generate(),
					TransactionID: txn.ID,
					AccountID:     cash.ID,
					PaymentID:     &record.ID,
					Description:   "processor fee withheld",
					Amount:        -req.ProcessorFee,
					CreatedAt:     now,
				},
			)
		}

		if err := s.postTransaction(ctx, tx, txn, entries); err != nil {
			return err
		}

		if _, err := s.queue.Enqueue(ctx, tx, jobsdomain.EnqueueRequest{
			JobType:    jobsdomain.JobTypeAccountingSync,
			EntityType: accountingdomain.EntityTypePayment,
			EntityID:   record.ID,
			DedupeKey:  jobsdomain.SyncDedupeKey(accountingdomain.EntityTypePayment, record.ID),
		}); err != nil {
			return err
		}

		payment = record
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateExternalPayment) {
			return existing, ledgerdomain.ErrDuplicateExternalPayment
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindPayment))
	}
	s.audit(ctx, "ledger.payment.posted", "payment", payment.ID, map[string]any{
		"amount":              payment.Amount,
		"processor_fee":       req.ProcessorFee,
		"entity_type":         req.EntityType,
		"entity_id":           req.EntityID,
		"external_payment_id": payment.ExternalPaymentID,
	})
	s.log.Info("ledger.payment.posted",
		zap.String("payment_id", payment.ID.String()),
		zap.Int64("amount", payment.Amount),
		zap.String("entity_type", req.EntityType),
	)
	return payment, nil
}

func (s *Service) ProcessRefund(ctx context.Context, req ledgerdomain.ProcessRefundRequest) (*ledgerdomain.Refund, error) {
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	req.ExternalRefundID = strings.TrimSpace(req.ExternalRefundID)
	if req.ExternalRefundID == "" {
		return nil, ledgerdomain.ErrInvalidExternalRefund
	}
	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	if req.PaymentID == 0 && req.ExternalPaymentID == "" {
		return nil, ledgerdomain.ErrPaymentNotFound
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	var (
		refund   *ledgerdomain.Refund
		existing *ledgerdomain.Refund
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paymentID := req.PaymentID
		if paymentID == 0 {
			stored, err := s.repo.FindPaymentByExternalID(ctx, tx, req.ExternalPaymentID)
			if err != nil {
				return err
			}
			if stored == nil {
				return ledgerdomain.ErrPaymentNotFound
			}
			paymentID = stored.ID
		}

		lockStart := time.Now()
		payment, err := s.repo.LockPayment(ctx, tx, paymentID)
		obsmetrics.Worker().ObserveDBLockWait(obsmetrics.LockResourcePaymentForRefund, time.Since(lockStart))
		if err != nil {
			return err
		}
		if payment == nil {
			return ledgerdomain.ErrPaymentNotFound
		}

		now := s.clock.Now()
		txnID := s.genID.Generate()
		record := &ledgerdomain.Refund{
			ID:               s.genID.Generate(),
			PaymentID:        payment.ID,
			TransactionID:    txnID,
			ExternalRefundID: req.ExternalRefundID,
			Amount:           req.Amount,
			Reason:           strings.TrimSpace(req.Reason),
			SyncState: accountingdomain.SyncState{
				SyncStatus: accountingdomain.SyncStatusPending,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		inserted, err := s.repo.InsertRefund(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.repo.FindRefundByExternalID(ctx, tx, req.ExternalRefundID)
			if err != nil {
				return err
			}
			existing = stored
			return ledgerdomain.ErrDuplicateExternalRefund
		}

		// The sum includes the row just inserted, so a rollback on
		// violation removes it again.
		refunded, err := s.repo.SumRefunds(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if refunded > payment.Amount {
			return ledgerdomain.ErrRefundExceedsPayment
		}

		refundExpense, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeRefundExpense)
		if err != nil {
			return err
		}
		cash, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeCash)
		if err != nil {
			return err
		}

		txn := &ledgerdomain.Transaction{
			ID:          txnID,
			Kind:        ledgerdomain.TransactionKindRefund,
			PaymentID:   &payment.ID,
			TotalAmount: req.Amount,
			Status:      ledgerdomain.TransactionStatusPosted,
			Description: record.Reason,
			OccurredAt:  occurredAt,
			CreatedAt:   now,
		}
		entries := []*ledgerdomain.Entry{
			{
				ID:            s.genID.Generate(),
				TransactionID: txn.ID,
				AccountID:     refundExpense.ID,
				PaymentID:     &payment.ID,
				Description:   "refund issued",
				Amount:        req.Amount,
				CreatedAt:     now,
			},
			{
				ID:            s.genID.Generate(),
				TransactionID: txn.ID,
				AccountID:     cash.ID,
				PaymentID:     &payment.ID,
				Description:   "refund paid out",
				Amount:        -req.Amount,
				CreatedAt:     now,
			},
		}
		if err := s.postTransaction(ctx, tx, txn, entries); err != nil {
			return err
		}

		target := ledgerdomain.PaymentStatusPartiallyRefunded
		if refunded == payment.Amount {
			target = ledgerdomain.PaymentStatusRefunded
		}
		advanced, err := s.repo.AdvancePaymentStatus(ctx, tx, payment.ID,
			[]ledgerdomain.PaymentStatus{ledgerdomain.PaymentStatusSucceeded, ledgerdomain.PaymentStatusPartiallyRefunded},
			target,
		)
		if err != nil {
			return err
		}
		if !advanced {
			s.log.Warn("ledger.payment.status_not_advanced",
				zap.String("payment_id", payment.ID.String()),
				zap.String("target", string(target)),
			)
		}

		if _, err := s.queue.Enqueue(ctx, tx, jobsdomain.EnqueueRequest{
			JobType:    jobsdomain.JobTypeAccountingSync,
			EntityType: accountingdomain.EntityTypeRefund,
			EntityID:   record.ID,
			DedupeKey:  jobsdomain.SyncDedupeKey(accountingdomain.EntityTypeRefund, record.ID),
		}); err != nil {
			return err
		}

		refund = record
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateExternalRefund) {
			return existing, ledgerdomain.ErrDuplicateExternalRefund
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindRefund))
	}
	s.audit(ctx, "ledger.refund.posted", "refund", refund.ID, map[string]any{
		"payment_id":         refund.PaymentID.String(),
		"amount":             refund.Amount,
		"reason":             refund.Reason,
		"external_refund_id": refund.ExternalRefundID,
	})
	s.log.Info("ledger.refund.posted",
		zap.String("refund_id", refund.ID.String()),
		zap.String("payment_id", refund.PaymentID.String()),
		zap.Int64("amount", refund.Amount),
	)
	return refund, nil
}

func (s *Service) AddCredit(ctx context.Context, req ledgerdomain.AddCreditRequest) (*ledgerdomain.Transaction, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	var credit *ledgerdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receivable, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeAccountsReceivable)
		if err != nil {
			return err
		}
		cash, err := s.accountByCode(ctx, tx, ledgerdomain.AccountCodeCash)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		txn := &ledgerdomain.Transaction{
			ID:          s.genID.Generate(),
			Kind:        ledgerdomain.TransactionKindAdjustment,
			TotalAmount: req.Amount,
			Status:      ledgerdomain.TransactionStatusPosted,
			Description: strings.TrimSpace(req.Reason),
			OccurredAt:  occurredAt,
			CreatedAt:   now,
		}
		entries := []*ledgerdomain.Entry{
			{
				ID:                s.genID.Generate(),
				TransactionID:     txn.ID,
				AccountID:         receivable.ID,
				RelatedEntityType: req.EntityType,
				RelatedEntityID:   req.EntityID,
				Description:       txn.Description,
				Amount:            req.Amount,
				CreatedAt:         now,
			},
			{
				ID:                s.genID.Generate(),
				TransactionID:     txn.ID,
				AccountID:         cash.ID,
				RelatedEntityType: req.EntityType,
				RelatedEntityID:   req.EntityID,
				Description:       txn.Description,
				Amount:            -req.Amount,
				CreatedAt:         now,
			},
		}
		if err := s.postTransaction(ctx, tx, txn, entries); err != nil {
			return err
		}

		credit = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindAdjustment))
	}
	s.audit(ctx, "ledger.credit.added", "ledger_transaction", credit.ID, map[string]any{
		"user_id": req.UserID,
		"amount":  req.Amount,
		"reason":  credit.Description,
	})
	s.log.Info("ledger.credit.added",
		zap.String("transaction_id", credit.ID.String()),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
	)
	return credit, nil
}

func (s *Service) TrialBalance(ctx context.Context) ([]ledgerdomain.AccountBalance, error) {
	var rows []ledgerdomain.AccountBalance
	err := s.db.WithContext(ctx).Raw(
		`SELECT a.id AS account_id, a.code AS code, a.type AS type, a.name AS name,
			COALESCE(SUM(e.amount), 0) AS balance
		 FROM accounts a
		 LEFT JOIN ledger_entries e ON e.account_id = a.id
		 GROUP BY a.id, a.code, a.type, a.name
		 ORDER BY a.code`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// postTransaction writes the transaction header and its entries after the
// balance check. Runs inside the caller's database transaction.
func (s *Service) postTransaction(ctx context.Context, tx *gorm.DB, txn *ledgerdomain.Transaction, entries []*ledgerdomain.Entry) error {
	if err := ledgerdomain.ValidateBalanced(entries); err != nil {
		return err
	}

	err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_transactions (
			id, kind, payment_id, total_amount, status, description, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.Kind,
		txn.PaymentID,
		txn.TotalAmount,
		txn.Status,
		txn.Description,
		txn.OccurredAt,
		txn.CreatedAt,
	).Error
	if err != nil {
		return err
	}

	for _, entry := range entries {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entries (
				id, transaction_id, account_id, payment_id, related_entity_type,
				related_entity_id, description, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.TransactionID,
			entry.AccountID,
			entry.PaymentID,
			entry.RelatedEntityType,
			entry.RelatedEntityID,
			entry.Description,
			entry.Amount,
			entry.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) accountByCode(ctx context.Context, tx *gorm.DB, code string) (*ledgerdomain.Account, error) {
	account, err := s.repo.FindAccountByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if account == nil {
		s.log.Error("ledger.account.missing", zap.String("code", code))
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) audit(ctx context.Context, action string, targetType string, targetID snowflake.ID, metadata map[string]any) {
	id := targetID.String()
	if err := s.auditSvc.Record(ctx, "", nil, action, targetType, &id, metadata); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.String("action", action), zap.Error(err))
	}
}
