package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/memberware/treasury/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookIngestAll      = "webhook:ingest:all"
	keyWebhookIngestProvider = "webhook:ingest:provider:%s"
)

// IngestLimiter throttles webhook deliveries with redis token buckets,
// one bucket shared across providers plus one per provider. A nil
// limiter admits everything, so deployments without redis run
// unthrottled.
type IngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	ingestRate    float64
	ingestBurst   int
	providerRate  float64
	providerBurst int
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit requires a redis addr")
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}
	if limitCfg.ProviderRate <= 0 || limitCfg.ProviderBurst <= 0 {
		return nil, errors.New("provider rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &IngestLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		ingestRate:    limitCfg.IngestRate,
		ingestBurst:   limitCfg.IngestBurst,
		providerRate:  limitCfg.ProviderRate,
		providerBurst: limitCfg.ProviderBurst,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowIngest draws from the bucket shared by every provider.
func (l *IngestLimiter) AllowIngest(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, keyWebhookIngestAll, l.ingestRate, l.ingestBurst)
}

// AllowProvider draws from the named provider's own bucket.
func (l *IngestLimiter) AllowProvider(ctx context.Context, provider string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyWebhookIngestProvider, strings.TrimSpace(provider))
	return l.bucket.Allow(ctx, key, l.providerRate, l.providerBurst)
}
