package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
)

type fakeWebhookService struct {
	result       *webhookdomain.IngestResult
	err          error
	calls        int
	lastProvider string
	lastPayload  []byte
}

func (f *fakeWebhookService) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*webhookdomain.IngestResult, error) {
	f.calls++
	f.lastProvider = provider
	f.lastPayload = payload
	_ = ctx
	_ = headers
	return f.result, f.err
}

func (f *fakeWebhookService) Redrive(ctx context.Context, eventID snowflake.ID) (*webhookdomain.IngestResult, error) {
	_ = ctx
	_ = eventID
	return nil, nil
}

func (f *fakeWebhookService) RetryFailed(ctx context.Context, limit int) (int, int, error) {
	_ = ctx
	_ = limit
	return 0, 0, nil
}

func newWebhookRouter(svc webhookdomain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	srv := &Server{webhookSvc: svc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/webhooks/:provider", srv.HandleProviderWebhook)
	return router
}

func postWebhook(t *testing.T, router *gin.Engine, provider string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestWebhookHandlerAcceptsDelivery(t *testing.T) {
	svc := &fakeWebhookService{
		result: &webhookdomain.IngestResult{
			EventID:   snowflake.ID(42),
			EventType: webhookdomain.EventTypePaymentSucceeded,
			Status:    webhookdomain.EventStatusSucceeded,
		},
	}
	router := newWebhookRouter(svc)

	resp := postWebhook(t, router, "stripe", `{"id":"evt_1","type":"charge.succeeded"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if svc.calls != 1 {
		t.Fatalf("expected one ingest call, got %d", svc.calls)
	}
	if svc.lastProvider != "stripe" {
		t.Fatalf("expected provider stripe, got %q", svc.lastProvider)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["event_id"] != snowflake.ID(42).String() {
		t.Fatalf("expected event_id %s, got %v", snowflake.ID(42), body["event_id"])
	}
}

func TestWebhookHandlerAcknowledgesReplays(t *testing.T) {
	for _, cause := range []error{webhookdomain.ErrEventAlreadyProcessed, webhookdomain.ErrEventIgnored} {
		router := newWebhookRouter(&fakeWebhookService{err: cause})

		resp := postWebhook(t, router, "stripe", `{"id":"evt_1"}`)

		if resp.Code != http.StatusOK {
			t.Fatalf("%v: expected status 200, got %d", cause, resp.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["status"] != "ok" {
			t.Fatalf("%v: expected status ok, got %v", cause, body["status"])
		}
	}
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	router := newWebhookRouter(&fakeWebhookService{err: webhookdomain.ErrInvalidSignature})

	resp := postWebhook(t, router, "stripe", `{"id":"evt_1"}`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}

	var body struct {
		Error struct {
			Type   string `json:"type"`
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Type != "validation_error" {
		t.Fatalf("expected validation_error, got %q", body.Error.Type)
	}
	if len(body.Error.Errors) != 1 || body.Error.Errors[0].Code != "invalid_signature" {
		t.Fatalf("expected invalid_signature code, got %+v", body.Error.Errors)
	}
}

func TestWebhookHandlerRejectsUnknownProvider(t *testing.T) {
	router := newWebhookRouter(&fakeWebhookService{err: webhookdomain.ErrUnknownProvider})

	resp := postWebhook(t, router, "nope", `{"id":"evt_1"}`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}
