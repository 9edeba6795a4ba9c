package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountingclient "github.com/memberware/treasury/internal/accounting/client"
	accountingrepo "github.com/memberware/treasury/internal/accounting/repository"
	accountingservice "github.com/memberware/treasury/internal/accounting/service"
	auditrepo "github.com/memberware/treasury/internal/audit/repository"
	auditservice "github.com/memberware/treasury/internal/audit/service"
	"github.com/memberware/treasury/internal/clock"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/distlock"
	expenserepo "github.com/memberware/treasury/internal/expense/repository"
	expenseservice "github.com/memberware/treasury/internal/expense/service"
	jobsqueue "github.com/memberware/treasury/internal/jobs/queue"
	"github.com/memberware/treasury/internal/jobs/worker"
	ledgerrepo "github.com/memberware/treasury/internal/ledger/repository"
	ledgerservice "github.com/memberware/treasury/internal/ledger/service"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	payoutrepo "github.com/memberware/treasury/internal/payout/repository"
	payoutservice "github.com/memberware/treasury/internal/payout/service"
	reprocessrepo "github.com/memberware/treasury/internal/reprocess/repository"
	reprocessservice "github.com/memberware/treasury/internal/reprocess/service"
	"github.com/memberware/treasury/internal/seed"
	"github.com/memberware/treasury/internal/server"
	"github.com/memberware/treasury/internal/webhook/adapters"
	"github.com/memberware/treasury/internal/webhook/adapters/stripe"
	webhookrepo "github.com/memberware/treasury/internal/webhook/repository"
	webhookservice "github.com/memberware/treasury/internal/webhook/service"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const e2eWebhookSecret = "whsec_e2e"

// acctCall is one record the fake accounting API accepted.
type acctCall struct {
	IdempotencyKey string
	RecordType     string
	Reference      string
}

// acctServer emulates the external accounting system's REST API and
// remembers every record it was sent.
type acctServer struct {
	ts *httptest.Server

	mu    sync.Mutex
	calls []acctCall
}

func newAcctServer(t *testing.T) *acctServer {
	t.Helper()

	a := &acctServer{}
	a.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			RecordType string `json:"record_type"`
			Reference  string `json:"reference"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		a.mu.Lock()
		a.calls = append(a.calls, acctCall{
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			RecordType:     req.RecordType,
			Reference:      req.Reference,
		})
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": %q}`, "acc_"+req.Reference)
	}))
	t.Cleanup(a.ts.Close)
	return a
}

func (a *acctServer) Calls() []acctCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]acctCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// stubGateway serves scripted payout detail and movement pages.
type stubGateway struct {
	detail *payoutdomain.PayoutDetail
	pages  []payoutdomain.MovementPage
}

func (g *stubGateway) FetchPayout(ctx context.Context, externalPayoutID string) (*payoutdomain.PayoutDetail, error) {
	_ = ctx
	_ = externalPayoutID
	return g.detail, nil
}

func (g *stubGateway) ListBalanceMovements(ctx context.Context, externalPayoutID string, startingAfter string, limit int) (*payoutdomain.MovementPage, error) {
	_ = ctx
	_ = externalPayoutID
	_ = limit
	idx := 0
	if startingAfter != "" {
		for i, page := range g.pages {
			if page.NextStartAfter == startingAfter {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(g.pages) {
		return &payoutdomain.MovementPage{}, nil
	}
	page := g.pages[idx]
	return &page, nil
}

type testEnv struct {
	db      *gorm.DB
	node    *snowflake.Node
	worker  *worker.Worker
	gateway *stubGateway
	acct    *acctServer
	ts      *httptest.Server
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openDB(t)
	node, err := snowflake.NewNode(31)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := seed.EnsureChartOfAccounts(db, config.DefaultChartConfig()); err != nil {
		t.Fatalf("seed chart: %v", err)
	}

	acct := newAcctServer(t)
	cfg := config.Config{
		Currency: "USD",
		Processor: config.ProcessorConfig{
			WebhookSecret: e2eWebhookSecret,
		},
		Accounting: config.AccountingConfig{
			Mode:            config.AccountingModeHTTP,
			BaseURL:         acct.ts.URL,
			APIKey:          "test-key",
			MaxSyncAttempts: 3,
		},
		Webhook: config.WebhookConfig{MaxAttempts: 3},
		Worker: config.WorkerConfig{
			Enabled:        true,
			BatchSize:      20,
			MaxJobAttempts: 5,
			BackoffBase:    time.Second,
			BackoffCap:     time.Minute,
		},
	}

	chart, err := config.NewStaticChartHolder(config.DefaultChartConfig())
	if err != nil {
		t.Fatalf("chart holder: %v", err)
	}
	log := zap.NewNop()
	clk := clock.NewSystemClock()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	queue := jobsqueue.NewQueue(jobsqueue.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Cfg:   cfg,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Chart:    chart,
		Repo:     ledgerrepo.Provide(),
		Queue:    queue,
		AuditSvc: auditSvc,
	})
	gateway := &stubGateway{}
	payoutRepo := payoutrepo.Provide()
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Gateway:  gateway,
		Repo:     payoutRepo,
		Queue:    queue,
		AuditSvc: auditSvc,
	})
	webhookRepo := webhookrepo.Provide()
	webhookSvc := webhookservice.NewService(webhookservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Cfg:       cfg,
		Adapters:  adapters.NewRegistry(stripe.Factory{}),
		Repo:      webhookRepo,
		LedgerSvc: ledgerSvc,
		PayoutSvc: payoutSvc,
		AuditSvc:  auditSvc,
	})
	accountingRepo := accountingrepo.Provide()
	accountingSvc := accountingservice.NewService(accountingservice.Params{
		DB:     db,
		Log:    log,
		Clock:  clk,
		Cfg:    cfg,
		Client: accountingclient.NewHTTPClient(log, cfg.Accounting),
		Repo:   accountingRepo,
	})
	expenseSvc := expenseservice.NewService(expenseservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     expenserepo.Provide(),
		Queue:    queue,
		AuditSvc: auditSvc,
	})
	reprocessSvc := reprocessservice.NewService(reprocessservice.Params{
		DB:             db,
		Log:            log,
		Clock:          clk,
		Repo:           reprocessrepo.Provide(),
		Queue:          queue,
		WebhookRepo:    webhookRepo,
		WebhookSvc:     webhookSvc,
		AccountingSvc:  accountingSvc,
		AccountingRepo: accountingRepo,
		PayoutRepo:     payoutRepo,
		PayoutSvc:      payoutSvc,
		AuditSvc:       auditSvc,
	})

	locks := distlock.NewMutex(distlock.Params{
		Log: log,
		Cfg: config.Config{},
	})
	w, err := worker.New(worker.Params{
		DB:             db,
		Log:            log,
		Clock:          clk,
		Cfg:            cfg,
		Queue:          queue,
		Locks:          locks,
		AccountingSvc:  accountingSvc,
		AccountingRepo: accountingRepo,
		PayoutSvc:      payoutSvc,
		PayoutRepo:     payoutRepo,
		WebhookSvc:     webhookSvc,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	engine := gin.New()
	engine.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin:          engine,
		Cfg:          cfg,
		DB:           db,
		LedgerSvc:    ledgerSvc,
		WebhookSvc:   webhookSvc,
		PayoutSvc:    payoutSvc,
		ExpenseSvc:   expenseSvc,
		ReprocessSvc: reprocessSvc,
		AuditSvc:     auditSvc,
	})
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)

	return &testEnv{
		db:      db,
		node:    node,
		worker:  w,
		gateway: gateway,
		acct:    acct,
		ts:      ts,
	}
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_e2e_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE accounts (
			id BIGINT PRIMARY KEY,
			code TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_accounts_code ON accounts(code)`,
		`CREATE UNIQUE INDEX ux_accounts_type_name ON accounts(type, name)`,
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
		`CREATE UNIQUE INDEX ux_payments_reference ON payments(reference_id)`,
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
		`CREATE TABLE ledger_transactions (
			id BIGINT PRIMARY KEY,
			kind TEXT NOT NULL,
			payment_id BIGINT,
			total_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			description TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE ledger_entries (
			id BIGINT PRIMARY KEY,
			transaction_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			payment_id BIGINT,
			related_entity_type TEXT,
			related_entity_id TEXT,
			description TEXT,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE webhook_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			received_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX ux_webhook_events_provider_event ON webhook_events(provider, event_id)`,
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
		`CREATE TABLE audit_logs (
			id BIGINT PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			metadata TEXT,
			ip_address TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

func (env *testEnv) post(t *testing.T, path string, payload []byte, headers http.Header) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, body
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(env.ts.URL + path)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, body
}

func (env *testEnv) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := env.db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return count
}

func signHeader(payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(e2eWebhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func paymentEnvelope(eventID, intentID string, amount, fee int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "payment_intent.succeeded",
		"created": 1756100000,
		"data": {"object": {
			"id": %q,
			"amount": %d,
			"amount_received": %d,
			"fee": %d,
			"currency": "usd",
			"description": "annual membership",
			"metadata": {"user_id": "user_e2e", "entity_type": "membership", "entity_id": "4242"}
		}}
	}`, eventID, intentID, amount, amount, fee))
}

func refundEnvelope(eventID, refundID, intentID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "charge.refunded",
		"created": 1756100500,
		"data": {"object": {
			"id": "ch_e2e",
			"amount": 10000,
			"amount_refunded": %d,
			"currency": "usd",
			"payment_intent": %q,
			"refunds": {"data": [
				{"id": %q, "amount": %d, "reason": "requested_by_customer", "created": 1756100400}
			]}
		}}
	}`, eventID, amount, intentID, refundID, amount))
}

func payoutEnvelope(eventID, payoutID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "payout.paid",
		"created": 1756200100,
		"data": {"object": {
			"id": %q,
			"amount": %d,
			"currency": "usd",
			"status": "paid",
			"arrival_date": 1756200000
		}}
	}`, eventID, payoutID, amount))
}

func TestPaymentWebhookKeepsBooksBalanced(t *testing.T) {
	env := setupEnv(t)

	payload := paymentEnvelope("evt_e2e_pay", "pi_e2e_pay", 10000, 320)
	resp, body := env.post(t, "/webhooks/stripe", payload, signHeader(payload))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d, body %v", resp.StatusCode, body)
	}
	if dedup, _ := body["deduplicated"].(bool); dedup {
		t.Fatalf("first delivery must not dedupe: %v", body)
	}

	if got := env.count(t, `SELECT COUNT(*) FROM payments WHERE external_payment_id = 'pi_e2e_pay'`); got != 1 {
		t.Fatalf("expected 1 payment, got %d", got)
	}
	if got := env.count(t, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries`); got != 0 {
		t.Fatalf("ledger entries must sum to zero, got %d", got)
	}

	resp, balance := env.get(t, "/ledger/trial-balance")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trial balance status %d", resp.StatusCode)
	}
	if total, _ := balance["total"].(float64); total != 0 {
		t.Fatalf("trial balance total must be zero, got %v", balance["total"])
	}

	resp, body = env.post(t, "/webhooks/stripe", payload, signHeader(payload))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status %d", resp.StatusCode)
	}
	if dedup, _ := body["deduplicated"].(bool); !dedup {
		t.Fatalf("redelivery must dedupe: %v", body)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM payments`); got != 1 {
		t.Fatalf("redelivery created a payment: %d rows", got)
	}
}

func TestRefundBeforePaymentParksAndRetries(t *testing.T) {
	env := setupEnv(t)

	refund := refundEnvelope("evt_e2e_early", "re_e2e_early", "pi_e2e_late", 2500)
	resp, _ := env.post(t, "/webhooks/stripe", refund, signHeader(refund))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("refund without payment should 404, got %d", resp.StatusCode)
	}

	resp, failures := env.get(t, "/ops/failures?kind=webhook_event")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list failures status %d", resp.StatusCode)
	}
	records, _ := failures["data"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected 1 failed event, got %v", failures)
	}
	record := records[0].(map[string]any)
	eventID, _ := record["id"].(string)
	if eventID == "" {
		t.Fatalf("failed record has no id: %v", record)
	}

	resp, stats := env.get(t, "/ops/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", resp.StatusCode)
	}
	if total, _ := stats["total_failed"].(float64); total < 1 {
		t.Fatalf("stats must count the failure: %v", stats)
	}

	payment := paymentEnvelope("evt_e2e_late", "pi_e2e_late", 10000, 0)
	resp, _ = env.post(t, "/webhooks/stripe", payment, signHeader(payment))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment ingest status %d", resp.StatusCode)
	}

	resp, retry := env.post(t, "/ops/failures/webhook_event/"+eventID+"/retry", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d, body %v", resp.StatusCode, retry)
	}

	if got := env.count(t, `SELECT COUNT(*) FROM refunds WHERE external_refund_id = 're_e2e_early'`); got != 1 {
		t.Fatalf("expected refund row after retry, got %d", got)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM webhook_events WHERE status = 'succeeded'`); got != 2 {
		t.Fatalf("expected both events succeeded, got %d", got)
	}
}

func TestPayoutReconcileLinksSettledMovements(t *testing.T) {
	env := setupEnv(t)

	payment := paymentEnvelope("evt_e2e_po_pay", "pi_e2e_po", 10000, 300)
	if resp, _ := env.post(t, "/webhooks/stripe", payment, signHeader(payment)); resp.StatusCode != http.StatusOK {
		t.Fatalf("payment ingest failed: %d", resp.StatusCode)
	}
	refund := refundEnvelope("evt_e2e_po_ref", "re_e2e_po", "pi_e2e_po", 2000)
	if resp, _ := env.post(t, "/webhooks/stripe", refund, signHeader(refund)); resp.StatusCode != http.StatusOK {
		t.Fatalf("refund ingest failed: %d", resp.StatusCode)
	}
	payout := payoutEnvelope("evt_e2e_po", "po_e2e_1", 7675)
	if resp, _ := env.post(t, "/webhooks/stripe", payout, signHeader(payout)); resp.StatusCode != http.StatusOK {
		t.Fatalf("payout ingest failed: %d", resp.StatusCode)
	}

	env.gateway.detail = &payoutdomain.PayoutDetail{
		ExternalPayoutID: "po_e2e_1",
		Amount:           7675,
		Currency:         "usd",
		Status:           "paid",
	}
	env.gateway.pages = []payoutdomain.MovementPage{
		{
			Movements: []payoutdomain.BalanceMovement{
				{ID: "txn_1", Kind: payoutdomain.MovementKindPayment, Amount: 9700, Fee: 300, Currency: "usd", Reference: "pi_e2e_po"},
			},
			HasMore:        true,
			NextStartAfter: "txn_1",
		},
		{
			Movements: []payoutdomain.BalanceMovement{
				{ID: "txn_2", Kind: payoutdomain.MovementKindRefund, Amount: -2000, Currency: "usd", Reference: "re_e2e_po"},
				{ID: "txn_3", Kind: payoutdomain.MovementKindFee, Amount: -25, Fee: 25, Currency: "usd"},
				{ID: "txn_4", Kind: payoutdomain.MovementKindPayment, Amount: 500, Currency: "usd", Reference: "pi_unknown"},
			},
		},
	}

	resp, result := env.post(t, "/payouts/po_e2e_1/reconcile", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status %d, body %v", resp.StatusCode, result)
	}
	if got, _ := result["linked_payments"].(float64); got != 1 {
		t.Fatalf("linked_payments = %v, want 1", result["linked_payments"])
	}
	if got, _ := result["linked_refunds"].(float64); got != 1 {
		t.Fatalf("linked_refunds = %v, want 1", result["linked_refunds"])
	}
	if got, _ := result["fee_total"].(float64); got != 325 {
		t.Fatalf("fee_total = %v, want 325", result["fee_total"])
	}
	if got, _ := result["unresolved"].(float64); got != 1 {
		t.Fatalf("unresolved = %v, want 1", result["unresolved"])
	}

	// Re-running replaces the linked sets instead of appending.
	resp, result = env.post(t, "/payouts/po_e2e_1/reconcile", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second reconcile status %d", resp.StatusCode)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM payout_payments`); got != 1 {
		t.Fatalf("expected 1 payout_payment link, got %d", got)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM payout_refunds`); got != 1 {
		t.Fatalf("expected 1 payout_refund link, got %d", got)
	}
}

func TestWorkerSyncsLedgerRecordsToAccounting(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	payment := paymentEnvelope("evt_e2e_sync", "pi_e2e_sync", 5000, 175)
	if resp, _ := env.post(t, "/webhooks/stripe", payment, signHeader(payment)); resp.StatusCode != http.StatusOK {
		t.Fatalf("payment ingest failed: %d", resp.StatusCode)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM jobs WHERE job_type = 'accounting_sync'`); got != 1 {
		t.Fatalf("expected 1 sync job, got %d", got)
	}

	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	calls := env.acct.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 accounting call, got %d", len(calls))
	}
	if calls[0].RecordType != "payment" {
		t.Fatalf("record type = %q, want payment", calls[0].RecordType)
	}
	if calls[0].IdempotencyKey == "" {
		t.Fatalf("sync call missing idempotency key")
	}

	var row struct {
		SyncStatus           string  `gorm:"column:sync_status"`
		AccountingExternalID *string `gorm:"column:accounting_external_id"`
	}
	err := env.db.Raw(`SELECT sync_status, accounting_external_id FROM payments WHERE external_payment_id = 'pi_e2e_sync'`).Scan(&row).Error
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if row.SyncStatus != "synced" || row.AccountingExternalID == nil {
		t.Fatalf("payment not synced: %+v", row)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM jobs WHERE status = 'succeeded'`); got != 1 {
		t.Fatalf("expected the sync job to succeed, got %d succeeded", got)
	}

	// A second pass finds nothing due and must not resend.
	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("second worker run: %v", err)
	}
	if calls := env.acct.Calls(); len(calls) != 1 {
		t.Fatalf("idle worker resent records: %d calls", len(calls))
	}
}
