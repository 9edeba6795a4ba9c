package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/memberware/treasury/internal/accounting/domain"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	domain "github.com/memberware/treasury/internal/expense/domain"
	jobsdomain "github.com/memberware/treasury/internal/jobs/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Queue    jobsdomain.Queue
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	queue    jobsdomain.Queue
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("expense.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		queue:    p.Queue,
		auditSvc: p.AuditSvc,
	}
}

// CreateExpenseReport stores the report and enqueues its accounting sync in
// one transaction, so a stored report always has a live sync job.
func (s *Service) CreateExpenseReport(ctx context.Context, req domain.CreateExpenseReportRequest) (*domain.ExpenseReport, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || req.Amount <= 0 || req.ExpenseDate.IsZero() {
		return nil, domain.ErrInvalidExpenseReport
	}

	now := s.clock.Now()
	report := &domain.ExpenseReport{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		ExpenseDate: req.ExpenseDate.UTC(),
		SyncState: accountingdomain.SyncState{
			SyncStatus: accountingdomain.SyncStatusPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertExpenseReport(ctx, tx, report); err != nil {
			return err
		}
		_, err := s.queue.Enqueue(ctx, tx, jobsdomain.EnqueueRequest{
			JobType:    jobsdomain.JobTypeAccountingSync,
			EntityType: accountingdomain.EntityTypeExpenseReport,
			EntityID:   report.ID,
			DedupeKey:  jobsdomain.SyncDedupeKey(accountingdomain.EntityTypeExpenseReport, report.ID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "expense_report.created", report.ID, map[string]any{
		"user_id": report.UserID,
		"amount":  report.Amount,
	})
	s.log.Info("expense.report.created",
		zap.String("expense_report_id", report.ID.String()),
		zap.String("user_id", report.UserID),
		zap.Int64("amount", report.Amount),
	)
	return report, nil
}

func (s *Service) GetExpenseReport(ctx context.Context, id snowflake.ID) (*domain.ExpenseReport, error) {
	report, err := s.repo.FindExpenseReportByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, domain.ErrExpenseReportNotFound
	}
	return report, nil
}

func (s *Service) audit(ctx context.Context, action string, targetID snowflake.ID, metadata map[string]any) {
	id := targetID.String()
	if err := s.auditSvc.Record(ctx, "", nil, action, "expense_report", &id, metadata); err != nil {
		s.log.Warn("failed to write expense audit log", zap.String("action", action), zap.Error(err))
	}
}
