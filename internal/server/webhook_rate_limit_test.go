package server

import (
	"net/http"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/ratelimit"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
)

func newThrottledWebhookRouter(svc webhookdomain.Service, limiter *ratelimit.IngestLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	srv := &Server{webhookSvc: svc, ingestLimiter: limiter}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/webhooks/:provider", srv.WebhookIngestRateLimit(), srv.HandleProviderWebhook)
	return router
}

func TestWebhookIngestRateLimitDisabledPassesThrough(t *testing.T) {
	svc := &fakeWebhookService{
		result: &webhookdomain.IngestResult{
			EventID: snowflake.ID(7),
			Status:  webhookdomain.EventStatusSucceeded,
		},
	}
	router := newThrottledWebhookRouter(svc, nil)

	resp := postWebhook(t, router, "stripe", `{"id":"evt_1"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if svc.calls != 1 {
		t.Fatalf("expected one ingest call, got %d", svc.calls)
	}
}

func TestWebhookIngestRateLimitUnreachableBackendSheds(t *testing.T) {
	cfg := config.Config{RedisAddr: "127.0.0.1:1"}
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:       true,
		IngestRate:    50,
		IngestBurst:   100,
		ProviderRate:  25,
		ProviderBurst: 50,
	}
	limiter, err := ratelimit.NewIngestLimiter(cfg)
	if err != nil {
		t.Fatalf("NewIngestLimiter: %v", err)
	}

	svc := &fakeWebhookService{}
	router := newThrottledWebhookRouter(svc, limiter)

	resp := postWebhook(t, router, "stripe", `{"id":"evt_1"}`)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no ingest call, got %d", svc.calls)
	}
}
