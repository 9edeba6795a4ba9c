package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/memberware/treasury/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonIngest   = "ingest-rate"
	rateLimitReasonProvider = "provider-rate"
)

// WebhookIngestRateLimit sheds provider deliveries before signature
// verification. Providers retry 429s on their own schedule and ingestion
// is idempotent, so a shed delivery is only deferred, never lost.
func (s *Server) WebhookIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := strings.TrimSpace(c.Param("provider"))

		allowed, err := s.ingestLimiter.AllowIngest(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			s.denyWebhookIngest(c, provider, rateLimitReasonIngest)
			return
		}

		allowed, err = s.ingestLimiter.AllowProvider(ctx, provider)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook provider rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			s.denyWebhookIngest(c, provider, rateLimitReasonProvider)
			return
		}

		c.Next()
	}
}

func (s *Server) denyWebhookIngest(c *gin.Context, provider, reason string) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("webhook ingest rate limit exceeded",
		zap.String("provider", provider),
		zap.String("reason", reason),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordIngestThrottle(ctx, provider, reason)
	}

	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}
