package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/memberware/treasury/internal/accounting/client"
	domain "github.com/memberware/treasury/internal/accounting/domain"
	"github.com/memberware/treasury/internal/config"
	"go.uber.org/zap"
)

func newHTTPClient(baseURL string) *client.HTTPClient {
	return client.NewHTTPClient(zap.NewNop(), config.AccountingConfig{
		Mode:    config.AccountingModeHTTP,
		BaseURL: baseURL,
		APIKey:  "acct_key_123",
	})
}

func sampleRecord() domain.SyncRecord {
	return domain.SyncRecord{
		EntityType:     domain.EntityTypePayment,
		EntityID:       snowflake.ID(900100),
		IdempotencyKey: "f3b4c1d2-0000-0000-0000-000000000001",
		Amount:         7500,
		Currency:       "USD",
		Reference:      "PAY-900100",
		Description:    "annual membership",
		OccurredAt:     time.Unix(1756000000, 0).UTC(),
		Metadata:       map[string]any{"user_id": "user_1"},
	}
}

func TestSyncRecordPostsRecord(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"acct_rec_1"}`))
	}))
	defer server.Close()

	result, err := newHTTPClient(server.URL).SyncRecord(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("sync record: %v", err)
	}
	if result.ExternalID != "acct_rec_1" {
		t.Fatalf("unexpected external id %q", result.ExternalID)
	}
	if gotPath != "/v1/records" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "f3b4c1d2-0000-0000-0000-000000000001" {
		t.Fatalf("idempotency key not forwarded, got %q", gotKey)
	}
	if gotAuth != "Bearer acct_key_123" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["record_type"] != "payment" || gotBody["reference"] != "PAY-900100" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if gotBody["amount"].(float64) != 7500 || gotBody["currency"] != "USD" {
		t.Fatalf("unexpected amount fields %+v", gotBody)
	}
}

func TestSyncRecordTerminalOnValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unknown ledger account"}`))
	}))
	defer server.Close()

	_, err := newHTTPClient(server.URL).SyncRecord(context.Background(), sampleRecord())
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if syncErr.Retryable {
		t.Fatalf("validation rejection must be terminal: %v", syncErr)
	}
}

func TestSyncRecordRetryableOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newHTTPClient(server.URL).SyncRecord(context.Background(), sampleRecord())
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if !syncErr.Retryable {
		t.Fatalf("server error must be retryable: %v", syncErr)
	}
}

func TestSyncRecordRetryableOnThrottle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newHTTPClient(server.URL).SyncRecord(context.Background(), sampleRecord())
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if !syncErr.Retryable {
		t.Fatalf("throttling must be retryable: %v", syncErr)
	}
}

func TestSyncRecordRetryableOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	_, err := newHTTPClient(baseURL).SyncRecord(context.Background(), sampleRecord())
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if !syncErr.Retryable {
		t.Fatalf("transport failure must be retryable: %v", syncErr)
	}
}
