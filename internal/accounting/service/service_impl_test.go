package service_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingclient "github.com/memberware/treasury/internal/accounting/client"
	domain "github.com/memberware/treasury/internal/accounting/domain"
	accountingrepo "github.com/memberware/treasury/internal/accounting/repository"
	accountingservice "github.com/memberware/treasury/internal/accounting/service"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type scriptedResponse struct {
	result *domain.SyncResult
	err    error
}

// scriptedClient replays canned responses and records what it was asked
// to sync.
type scriptedClient struct {
	responses []scriptedResponse
	records   []domain.SyncRecord
	calls     int
}

func (c *scriptedClient) SyncRecord(ctx context.Context, record domain.SyncRecord) (*domain.SyncResult, error) {
	c.records = append(c.records, record)
	c.calls++
	if len(c.responses) == 0 {
		return &domain.SyncResult{ExternalID: fmt.Sprintf("acct_%d", c.calls)}, nil
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return next.result, next.err
}

func setupSyncDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sync_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
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
		`CREATE TABLE expense_reports (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT,
			expense_date TIMESTAMPTZ NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			accounting_external_id TEXT,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT,
			last_sync_attempt_at TIMESTAMPTZ,
			synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

func newSyncService(t *testing.T, db *gorm.DB, cl domain.Client, maxAttempts int) domain.Service {
	t.Helper()

	return accountingservice.NewService(accountingservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewSystemClock(),
		Cfg: config.Config{
			Currency: "USD",
			Accounting: config.AccountingConfig{
				Mode:            config.AccountingModeStub,
				MaxSyncAttempts: maxAttempts,
			},
		},
		Client: cl,
		Repo:   accountingrepo.Provide(),
	})
}

func insertSyncPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, externalID string, amount int64) snowflake.ID {
	t.Helper()

	id := node.Generate()
	now := time.Now().UTC()
	err := db.Exec(`
		INSERT INTO payments (
			id, reference_id, external_provider, external_payment_id, amount,
			status, user_id, description, payment_date, created_at, updated_at
		) VALUES (?, ?, 'stripe', ?, ?, 'succeeded', 'user_1', 'annual membership', ?, ?, ?)
	`, id, "PAY-"+id.String(), externalID, amount, now, now, now).Error
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	return id
}

func insertExpenseReport(t *testing.T, db *gorm.DB, node *snowflake.Node, amount int64) snowflake.ID {
	t.Helper()

	id := node.Generate()
	now := time.Now().UTC()
	err := db.Exec(`
		INSERT INTO expense_reports (
			id, user_id, amount, description, expense_date, created_at, updated_at
		) VALUES (?, 'user_2', ?, 'venue deposit', ?, ?, ?)
	`, id, amount, now, now, now).Error
	if err != nil {
		t.Fatalf("insert expense report: %v", err)
	}
	return id
}

type paymentSyncRow struct {
	SyncStatus           string  `gorm:"column:sync_status"`
	AccountingExternalID *string `gorm:"column:accounting_external_id"`
	SyncAttempts         int     `gorm:"column:sync_attempts"`
	LastSyncError        *string `gorm:"column:last_sync_error"`
	SyncedAt             *string `gorm:"column:synced_at"`
}

func loadPaymentSyncRow(t *testing.T, db *gorm.DB, id snowflake.ID) paymentSyncRow {
	t.Helper()

	var row paymentSyncRow
	err := db.Raw(`
		SELECT sync_status, accounting_external_id, sync_attempts, last_sync_error, synced_at
		FROM payments WHERE id = ?
	`, id).Scan(&row).Error
	if err != nil {
		t.Fatalf("load payment sync row: %v", err)
	}
	return row
}

func TestSyncEntityMarksSynced(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(51)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	svc := newSyncService(t, db, accountingclient.NewStubClient(zap.NewNop()), 3)

	outcome, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("sync entity: %v", err)
	}
	if outcome.Status != domain.SyncStatusSynced || outcome.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	wantExternal := fmt.Sprintf("stub_payment_%s", paymentID.String())
	if outcome.ExternalID == nil || *outcome.ExternalID != wantExternal {
		t.Fatalf("unexpected external id %v", outcome.ExternalID)
	}

	row := loadPaymentSyncRow(t, db, paymentID)
	if row.SyncStatus != string(domain.SyncStatusSynced) || row.SyncAttempts != 1 {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.AccountingExternalID == nil || *row.AccountingExternalID != wantExternal {
		t.Fatalf("external id not persisted: %+v", row)
	}
	if row.SyncedAt == nil {
		t.Fatalf("synced_at not set")
	}
	if row.LastSyncError != nil {
		t.Fatalf("last_sync_error must be clear, got %v", *row.LastSyncError)
	}
}

func TestSyncEntityAlreadySyncedIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(52)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	cl := &scriptedClient{}
	svc := newSyncService(t, db, cl, 3)

	first, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("replayed sync: %v", err)
	}
	if second.Status != domain.SyncStatusSynced {
		t.Fatalf("unexpected status %s", second.Status)
	}
	if second.ExternalID == nil || *second.ExternalID != *first.ExternalID {
		t.Fatalf("replay must report the stored external id")
	}
	if cl.calls != 1 {
		t.Fatalf("synced entity must not be pushed again, got %d calls", cl.calls)
	}
}

func TestSyncEntityRetryableFailureThenRecovery(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(53)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	cl := &scriptedClient{responses: []scriptedResponse{
		{err: &domain.SyncError{Reason: "accounting api status 503", Retryable: true}},
		{result: &domain.SyncResult{ExternalID: "acct_77"}},
	}}
	svc := newSyncService(t, db, cl, 3)

	outcome, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) || !syncErr.Retryable {
		t.Fatalf("expected retryable sync error, got %v", err)
	}
	if outcome == nil || outcome.Status != domain.SyncStatusFailed || outcome.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	row := loadPaymentSyncRow(t, db, paymentID)
	if row.SyncStatus != string(domain.SyncStatusFailed) || row.LastSyncError == nil {
		t.Fatalf("failure not recorded: %+v", row)
	}

	outcome, err = svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	if outcome.Status != domain.SyncStatusSynced || outcome.Attempts != 2 {
		t.Fatalf("unexpected recovery outcome %+v", outcome)
	}
	row = loadPaymentSyncRow(t, db, paymentID)
	if row.LastSyncError != nil {
		t.Fatalf("recovery must clear last_sync_error")
	}
}

func TestSyncEntityTerminalFailure(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(54)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	cl := &scriptedClient{responses: []scriptedResponse{
		{err: &domain.SyncError{Reason: "accounting api status 422: unknown ledger account"}},
	}}
	svc := newSyncService(t, db, cl, 3)

	outcome, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) || syncErr.Retryable {
		t.Fatalf("expected terminal sync error, got %v", err)
	}
	if outcome.Status != domain.SyncStatusFailed {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestSyncEntityExhaustsAttemptBudget(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(55)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	cl := &scriptedClient{responses: []scriptedResponse{
		{err: &domain.SyncError{Reason: "timeout", Retryable: true}},
		{err: &domain.SyncError{Reason: "timeout", Retryable: true}},
	}}
	svc := newSyncService(t, db, cl, 2)

	if _, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID); err == nil {
		t.Fatalf("first attempt should fail")
	}
	_, err = svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if !errors.Is(err, domain.ErrSyncAttemptsExhausted) {
		t.Fatalf("final attempt must report exhaustion, got %v", err)
	}

	_, err = svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if !errors.Is(err, domain.ErrSyncAttemptsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if cl.calls != 2 {
		t.Fatalf("exhausted entity must not reach the client, got %d calls", cl.calls)
	}
}

func TestResetFailedEntityRestoresRetryBudget(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(56)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)
	cl := &scriptedClient{responses: []scriptedResponse{
		{err: &domain.SyncError{Reason: "timeout", Retryable: true}},
	}}
	svc := newSyncService(t, db, cl, 1)

	if _, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID); err == nil {
		t.Fatalf("seeded failure expected")
	}
	if _, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID); !errors.Is(err, domain.ErrSyncAttemptsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	repo := accountingrepo.Provide()
	reset, err := repo.ResetSyncState(ctx, db, domain.EntityTypePayment, paymentID)
	if err != nil || !reset {
		t.Fatalf("reset sync state: reset=%v err=%v", reset, err)
	}

	outcome, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("sync after reset: %v", err)
	}
	if outcome.Status != domain.SyncStatusSynced || outcome.Attempts != 1 {
		t.Fatalf("reset must restart the budget, got %+v", outcome)
	}
}

func TestSyncEntityExpenseReport(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(57)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	reportID := insertExpenseReport(t, db, node, 42000)
	cl := &scriptedClient{}
	svc := newSyncService(t, db, cl, 3)

	outcome, err := svc.SyncEntity(ctx, domain.EntityTypeExpenseReport, reportID)
	if err != nil {
		t.Fatalf("sync expense report: %v", err)
	}
	if outcome.Status != domain.SyncStatusSynced {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(cl.records) != 1 {
		t.Fatalf("expected one record, got %d", len(cl.records))
	}
	record := cl.records[0]
	if record.Reference != fmt.Sprintf("EXP-%s", reportID.String()) || record.Amount != 42000 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestSyncEntityUnknownType(t *testing.T) {
	db := setupSyncDB(t)
	svc := newSyncService(t, db, &scriptedClient{}, 3)
	if _, err := svc.SyncEntity(context.Background(), "invoice", snowflake.ID(1)); !errors.Is(err, domain.ErrUnknownEntityType) {
		t.Fatalf("expected unknown entity type, got %v", err)
	}
}

func TestSyncEntityUnknownEntity(t *testing.T) {
	db := setupSyncDB(t)
	svc := newSyncService(t, db, &scriptedClient{}, 3)
	if _, err := svc.SyncEntity(context.Background(), domain.EntityTypePayment, snowflake.ID(987654)); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected entity not found, got %v", err)
	}
}

func TestSyncRetriesReuseIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	db := setupSyncDB(t)
	node, err := snowflake.NewNode(58)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	paymentID := insertSyncPayment(t, db, node, "pi_1", 7500)

	var keys []string
	var attempt int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"acct_9"}`))
	}))
	defer server.Close()

	httpClient := accountingclient.NewHTTPClient(zap.NewNop(), config.AccountingConfig{
		Mode:    config.AccountingModeHTTP,
		BaseURL: server.URL,
	})
	svc := newSyncService(t, db, httpClient, 3)

	if _, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID); err == nil {
		t.Fatalf("first attempt should surface the 503")
	}
	outcome, err := svc.SyncEntity(ctx, domain.EntityTypePayment, paymentID)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if outcome.Status != domain.SyncStatusSynced {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("idempotency key must be stable across retries, got %v", keys)
	}
}
