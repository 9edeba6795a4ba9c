package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/memberware/treasury/internal/config"
)

func TestNewIngestLimiterDisabled(t *testing.T) {
	limiter, err := NewIngestLimiter(config.Config{})
	if err != nil {
		t.Fatalf("NewIngestLimiter: %v", err)
	}
	if limiter.Enabled() {
		t.Fatal("expected disabled limiter")
	}

	allowed, err := limiter.AllowIngest(context.Background())
	if err != nil || !allowed {
		t.Fatalf("disabled limiter must admit, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = limiter.AllowProvider(context.Background(), "stripe")
	if err != nil || !allowed {
		t.Fatalf("disabled limiter must admit, got allowed=%v err=%v", allowed, err)
	}
}

func TestNewIngestLimiterValidation(t *testing.T) {
	base := config.Config{RedisAddr: "localhost:6379"}
	base.RateLimit = config.RateLimitConfig{
		Enabled:       true,
		IngestRate:    50,
		IngestBurst:   100,
		ProviderRate:  25,
		ProviderBurst: 50,
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "missing redis addr", mutate: func(c *config.Config) { c.RedisAddr = " " }, wantErr: true},
		{name: "zero ingest rate", mutate: func(c *config.Config) { c.RateLimit.IngestRate = 0 }, wantErr: true},
		{name: "zero provider burst", mutate: func(c *config.Config) { c.RateLimit.ProviderBurst = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			limiter, err := NewIngestLimiter(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewIngestLimiter: %v", err)
			}
			if !limiter.Enabled() {
				t.Fatal("expected enabled limiter")
			}
		})
	}
}

func TestBucketTTLCoversRefill(t *testing.T) {
	if got := bucketTTL(25, 50); got != 4*time.Second {
		t.Fatalf("bucketTTL(25, 50) = %v, want 4s", got)
	}
	if got := bucketTTL(100, 10); got != time.Second {
		t.Fatalf("bucketTTL(100, 10) = %v, want 1s", got)
	}
	if got := bucketTTL(0, 0); got != time.Second {
		t.Fatalf("bucketTTL(0, 0) = %v, want 1s", got)
	}
}
