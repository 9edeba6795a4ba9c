package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	jobsqueue "github.com/memberware/treasury/internal/jobs/queue"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	payoutrepo "github.com/memberware/treasury/internal/payout/repository"
	payoutservice "github.com/memberware/treasury/internal/payout/service"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type noopAuditService struct{}

func (noopAuditService) Record(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fakeGateway struct {
	detail *payoutdomain.PayoutDetail
	pages  []payoutdomain.MovementPage
	calls  int
}

func (f *fakeGateway) FetchPayout(ctx context.Context, externalPayoutID string) (*payoutdomain.PayoutDetail, error) {
	if f.detail == nil {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	return f.detail, nil
}

func (f *fakeGateway) ListBalanceMovements(ctx context.Context, externalPayoutID string, startingAfter string, limit int) (*payoutdomain.MovementPage, error) {
	if f.calls >= len(f.pages) {
		return &payoutdomain.MovementPage{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return &page, nil
}

func setupPayoutDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_po_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE payouts (
			id BIGINT PRIMARY KEY,
			external_payout_id TEXT NOT NULL,
			external_provider TEXT NOT NULL,
			amount BIGINT NOT NULL,
			fee_total BIGINT,
			status TEXT NOT NULL,
			unresolved_count INTEGER NOT NULL DEFAULT 0,
			unresolved_refs TEXT,
			arrival_date TIMESTAMPTZ,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			accounting_external_id TEXT,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT,
			last_sync_attempt_at TIMESTAMPTZ,
			synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payouts_external_id ON payouts(external_payout_id)`,
		`CREATE TABLE payout_payments (
			payout_id BIGINT NOT NULL,
			payment_id BIGINT NOT NULL,
			PRIMARY KEY (payout_id, payment_id)
		)`,
		`CREATE TABLE payout_refunds (
			payout_id BIGINT NOT NULL,
			refund_id BIGINT NOT NULL,
			PRIMARY KEY (payout_id, refund_id)
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			reference_id TEXT NOT NULL,
			external_provider TEXT NOT NULL,
			external_payment_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			user_id TEXT NOT NULL,
			description TEXT,
			payment_date TIMESTAMPTZ NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			accounting_external_id TEXT,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT,
			last_sync_attempt_at TIMESTAMPTZ,
			synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payments_external_id ON payments(external_payment_id)`,
		`CREATE TABLE refunds (
			id BIGINT PRIMARY KEY,
			payment_id BIGINT NOT NULL,
			transaction_id BIGINT NOT NULL,
			external_refund_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			accounting_external_id TEXT,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT,
			last_sync_attempt_at TIMESTAMPTZ,
			synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_refunds_external_id ON refunds(external_refund_id)`,
		`CREATE TABLE jobs (
			id BIGINT PRIMARY KEY,
			job_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			backoff_seconds INTEGER NOT NULL,
			next_run_at TIMESTAMPTZ NOT NULL,
			last_error TEXT,
			dedupe_key TEXT,
			payload TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_jobs_dedupe_key ON jobs(dedupe_key)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func newPayoutService(t *testing.T, db *gorm.DB, node *snowflake.Node, gateway payoutdomain.Gateway) payoutdomain.Service {
	t.Helper()

	clk := clock.NewSystemClock()
	cfg := config.Config{
		Currency: "USD",
		Processor: config.ProcessorConfig{
			PageSize: 10,
		},
		Worker: config.WorkerConfig{
			MaxJobAttempts: 5,
			BackoffBase:    30 * time.Second,
			BackoffCap:     time.Hour,
		},
	}
	queue := jobsqueue.NewQueue(jobsqueue.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   cfg,
	})

	return payoutservice.NewService(payoutservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Gateway:  gateway,
		Repo:     payoutrepo.Provide(),
		Queue:    queue,
		AuditSvc: noopAuditService{},
	})
}

func insertPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, externalID string, amount int64) snowflake.ID {
	t.Helper()

	id := node.Generate()
	now := time.Now().UTC()
	err := db.Exec(`
		INSERT INTO payments (
			id, reference_id, external_provider, external_payment_id, amount,
			status, user_id, payment_date, created_at, updated_at
		) VALUES (?, ?, 'stripe', ?, ?, 'succeeded', 'user_1', ?, ?, ?)
	`, id, "PAY-"+id.String(), externalID, amount, now, now, now).Error
	if err != nil {
		t.Fatalf("insert payment %s: %v", externalID, err)
	}
	return id
}

func insertRefund(t *testing.T, db *gorm.DB, node *snowflake.Node, paymentID snowflake.ID, externalID string, amount int64) snowflake.ID {
	t.Helper()

	id := node.Generate()
	now := time.Now().UTC()
	err := db.Exec(`
		INSERT INTO refunds (
			id, payment_id, transaction_id, external_refund_id, amount, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, paymentID, node.Generate(), externalID, amount, now, now).Error
	if err != nil {
		t.Fatalf("insert refund %s: %v", externalID, err)
	}
	return id
}

func countRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return count
}

func paymentMovement(id, ref string, amount, fee int64) payoutdomain.BalanceMovement {
	return payoutdomain.BalanceMovement{
		ID:        id,
		Kind:      payoutdomain.MovementKindPayment,
		Amount:    amount,
		Fee:       fee,
		Currency:  "USD",
		Reference: ref,
	}
}

func TestRegisterPayoutEnqueuesReconciliation(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(41)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := newPayoutService(t, db, node, &fakeGateway{})

	first, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           250000,
	})
	if err != nil {
		t.Fatalf("register payout: %v", err)
	}
	if first.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("expected paid status, got %s", first.Status)
	}

	if got := countRows(t, db, `SELECT COUNT(*) FROM jobs WHERE job_type = 'payout_reconcile' AND entity_id = ?`, first.ID); got != 1 {
		t.Fatalf("expected 1 reconcile job, got %d", got)
	}

	second, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           250000,
	})
	if err != nil {
		t.Fatalf("replayed register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay must return the stored payout")
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM payouts`); got != 1 {
		t.Fatalf("expected 1 payout, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM jobs WHERE job_type = 'payout_reconcile'`); got != 1 {
		t.Fatalf("replay must not enqueue again, got %d jobs", got)
	}
}

func TestReconcileLinksSettledActivity(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(42)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	paymentA := insertPayment(t, db, node, "pi_1", 7500)
	insertPayment(t, db, node, "pi_2", 5000)
	insertRefund(t, db, node, paymentA, "re_1", 2500)

	gateway := &fakeGateway{
		detail: &payoutdomain.PayoutDetail{ExternalPayoutID: "po_1", Amount: 250000, Currency: "USD"},
		pages: []payoutdomain.MovementPage{
			{
				Movements: []payoutdomain.BalanceMovement{
					paymentMovement("txn_1", "pi_1", 7500, 247),
					paymentMovement("txn_2", "pi_2", 5000, 175),
				},
				HasMore:        true,
				NextStartAfter: "txn_2",
			},
			{
				Movements: []payoutdomain.BalanceMovement{
					{ID: "txn_3", Kind: payoutdomain.MovementKindRefund, Amount: -2500, Currency: "USD", Reference: "re_1"},
					{ID: "txn_4", Kind: payoutdomain.MovementKindFee, Amount: -15, Fee: 15, Currency: "USD"},
				},
			},
		},
	}
	svc := newPayoutService(t, db, node, gateway)

	if _, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           250000,
	}); err != nil {
		t.Fatalf("register payout: %v", err)
	}

	result, err := svc.Reconcile(ctx, "po_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.LinkedPayments != 2 || result.LinkedRefunds != 1 {
		t.Fatalf("unexpected link counts %+v", result)
	}
	if result.FeeTotal != 247+175+15 {
		t.Fatalf("unexpected fee total %d", result.FeeTotal)
	}
	if result.Unresolved != 0 {
		t.Fatalf("expected no unresolved refs, got %d", result.Unresolved)
	}
	if gateway.calls != 2 {
		t.Fatalf("expected both movement pages fetched, got %d", gateway.calls)
	}

	if got := countRows(t, db, `SELECT COUNT(*) FROM payout_payments`); got != 2 {
		t.Fatalf("expected 2 payment links, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM payout_refunds`); got != 1 {
		t.Fatalf("expected 1 refund link, got %d", got)
	}

	var row struct {
		FeeTotal        int64  `gorm:"column:fee_total"`
		Status          string `gorm:"column:status"`
		UnresolvedCount int    `gorm:"column:unresolved_count"`
	}
	if err := db.Raw(`SELECT fee_total, status, unresolved_count FROM payouts WHERE external_payout_id = 'po_1'`).Scan(&row).Error; err != nil {
		t.Fatalf("payout row: %v", err)
	}
	if row.FeeTotal != 437 || row.Status != string(payoutdomain.PayoutStatusReconciled) || row.UnresolvedCount != 0 {
		t.Fatalf("unexpected payout row %+v", row)
	}

	if got := countRows(t, db, `SELECT COUNT(*) FROM jobs WHERE job_type = 'accounting_sync' AND entity_type = 'payout'`); got != 1 {
		t.Fatalf("expected payout sync job, got %d", got)
	}
}

func TestReconcileReplacesPriorLinks(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(43)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	insertPayment(t, db, node, "pi_1", 7500)
	paymentB := insertPayment(t, db, node, "pi_2", 5000)

	gateway := &fakeGateway{
		detail: &payoutdomain.PayoutDetail{ExternalPayoutID: "po_1", Amount: 12500, Currency: "USD"},
		pages: []payoutdomain.MovementPage{
			{Movements: []payoutdomain.BalanceMovement{
				paymentMovement("txn_1", "pi_1", 7500, 0),
				paymentMovement("txn_2", "pi_2", 5000, 0),
			}},
		},
	}
	svc := newPayoutService(t, db, node, gateway)

	if _, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           12500,
	}); err != nil {
		t.Fatalf("register payout: %v", err)
	}
	if _, err := svc.Reconcile(ctx, "po_1"); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM payout_payments`); got != 2 {
		t.Fatalf("expected 2 links after first run, got %d", got)
	}

	// The processor corrected the payout composition.
	gateway.pages = []payoutdomain.MovementPage{
		{Movements: []payoutdomain.BalanceMovement{
			paymentMovement("txn_2", "pi_2", 5000, 0),
		}},
	}
	gateway.calls = 0

	if _, err := svc.Reconcile(ctx, "po_1"); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM payout_payments`); got != 1 {
		t.Fatalf("links must be replaced wholesale, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM payout_payments WHERE payment_id = ?`, paymentB); got != 1 {
		t.Fatalf("surviving link must be the corrected payment")
	}
}

func TestReconcileReportsUnmatchedReferences(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(44)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	gateway := &fakeGateway{
		detail: &payoutdomain.PayoutDetail{ExternalPayoutID: "po_1", Amount: 7500, Currency: "USD"},
		pages: []payoutdomain.MovementPage{
			{Movements: []payoutdomain.BalanceMovement{
				paymentMovement("txn_1", "pi_ghost", 7500, 0),
			}},
		},
	}
	svc := newPayoutService(t, db, node, gateway)

	if _, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           7500,
	}); err != nil {
		t.Fatalf("register payout: %v", err)
	}

	result, err := svc.Reconcile(ctx, "po_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.LinkedPayments != 0 || result.Unresolved != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	var row struct {
		Status          string `gorm:"column:status"`
		UnresolvedCount int    `gorm:"column:unresolved_count"`
	}
	if err := db.Raw(`SELECT status, unresolved_count FROM payouts WHERE external_payout_id = 'po_1'`).Scan(&row).Error; err != nil {
		t.Fatalf("payout row: %v", err)
	}
	if row.Status != string(payoutdomain.PayoutStatusReconciled) || row.UnresolvedCount != 1 {
		t.Fatalf("unmatched refs must not block reconciliation, got %+v", row)
	}
}

func TestReconcileForeignCurrencyMovementUnresolved(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(45)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	insertPayment(t, db, node, "pi_eur", 7500)

	movement := paymentMovement("txn_1", "pi_eur", 7500, 123)
	movement.Currency = "EUR"
	gateway := &fakeGateway{
		detail: &payoutdomain.PayoutDetail{ExternalPayoutID: "po_1", Amount: 7500, Currency: "USD"},
		pages:  []payoutdomain.MovementPage{{Movements: []payoutdomain.BalanceMovement{movement}}},
	}
	svc := newPayoutService(t, db, node, gateway)

	if _, err := svc.RegisterPayout(ctx, payoutdomain.RegisterPayoutRequest{
		ExternalPayoutID: "po_1",
		Provider:         "stripe",
		Amount:           7500,
	}); err != nil {
		t.Fatalf("register payout: %v", err)
	}

	result, err := svc.Reconcile(ctx, "po_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.LinkedPayments != 0 || result.Unresolved != 1 {
		t.Fatalf("foreign currency must not match, got %+v", result)
	}
	if result.FeeTotal != 0 {
		t.Fatalf("foreign currency fees must not accumulate, got %d", result.FeeTotal)
	}
}

func TestReconcileUnknownPayout(t *testing.T) {
	ctx := context.Background()
	db := setupPayoutDB(t)
	node, err := snowflake.NewNode(46)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := newPayoutService(t, db, node, &fakeGateway{})

	if _, err := svc.Reconcile(ctx, "po_missing"); !errors.Is(err, payoutdomain.ErrPayoutNotFound) {
		t.Fatalf("expected payout not found, got %v", err)
	}
}
