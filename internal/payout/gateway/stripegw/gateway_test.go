package stripegw_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memberware/treasury/internal/config"
	domain "github.com/memberware/treasury/internal/payout/domain"
	"github.com/memberware/treasury/internal/payout/gateway/stripegw"
	"go.uber.org/zap"
)

func newGateway(baseURL string) domain.Gateway {
	return stripegw.NewGateway(stripegw.Params{
		Log: zap.NewNop(),
		Cfg: config.Config{
			Processor: config.ProcessorConfig{
				BaseURL:  baseURL,
				APIKey:   "sk_test_123",
				PageSize: 2,
			},
		},
	})
}

func TestFetchPayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payouts/po_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "po_1",
			"amount": 250000,
			"currency": "usd",
			"status": "paid",
			"arrival_date": 1756200000
		}`))
	}))
	defer srv.Close()

	detail, err := newGateway(srv.URL).FetchPayout(context.Background(), "po_1")
	if err != nil {
		t.Fatalf("fetch payout: %v", err)
	}
	if detail.ExternalPayoutID != "po_1" || detail.Amount != 250000 || detail.Currency != "USD" {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.ArrivalDate == nil || detail.ArrivalDate.Unix() != 1756200000 {
		t.Fatalf("unexpected arrival date %+v", detail.ArrivalDate)
	}
}

func TestFetchPayoutNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newGateway(srv.URL).FetchPayout(context.Background(), "po_missing")
	if !errors.Is(err, domain.ErrPayoutNotFound) {
		t.Fatalf("expected payout not found, got %v", err)
	}
}

func TestListBalanceMovements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/balance_transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("payout") != "po_1" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("expand[]") != "data.source" {
			t.Errorf("expected source expansion, got %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"has_more": false,
			"data": [
				{"id": "txn_1", "type": "charge", "amount": 7500, "fee": 247, "currency": "usd",
					"created": 1756100000,
					"source": {"id": "ch_1", "payment_intent": "pi_1"}},
				{"id": "txn_2", "type": "refund", "amount": -2500, "fee": 0, "currency": "usd",
					"created": 1756100400,
					"source": "re_1"},
				{"id": "txn_3", "type": "stripe_fee", "amount": -15, "currency": "usd",
					"created": 1756100500,
					"description": "billing fee"},
				{"id": "txn_4", "type": "payout", "amount": -250000, "currency": "usd",
					"created": 1756200000}
			]
		}`))
	}))
	defer srv.Close()

	page, err := newGateway(srv.URL).ListBalanceMovements(context.Background(), "po_1", "", 2)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if page.HasMore {
		t.Fatalf("expected final page")
	}
	if page.NextStartAfter != "txn_4" {
		t.Fatalf("cursor must track the raw list, got %q", page.NextStartAfter)
	}
	if len(page.Movements) != 3 {
		t.Fatalf("expected payout line skipped, got %d movements", len(page.Movements))
	}

	charge := page.Movements[0]
	if charge.Kind != domain.MovementKindPayment || charge.Reference != "pi_1" || charge.Fee != 247 {
		t.Fatalf("unexpected charge movement %+v", charge)
	}
	refund := page.Movements[1]
	if refund.Kind != domain.MovementKindRefund || refund.Reference != "re_1" {
		t.Fatalf("unexpected refund movement %+v", refund)
	}
	fee := page.Movements[2]
	if fee.Kind != domain.MovementKindFee || fee.Fee != 15 {
		t.Fatalf("fee line must normalize to a positive fee, got %+v", fee)
	}
}

func TestListBalanceMovementsCursor(t *testing.T) {
	var gotStartingAfter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStartingAfter = r.URL.Query().Get("starting_after")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"has_more": false, "data": []}`))
	}))
	defer srv.Close()

	if _, err := newGateway(srv.URL).ListBalanceMovements(context.Background(), "po_1", "txn_9", 2); err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if gotStartingAfter != "txn_9" {
		t.Fatalf("expected cursor passthrough, got %q", gotStartingAfter)
	}
}
