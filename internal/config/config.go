package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// Currency is the single operating currency for the deployment.
	Currency string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMetricsEnabled  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Processor   ProcessorConfig
	Accounting  AccountingConfig
	Webhook     WebhookConfig
	Worker      WorkerConfig
	RateLimit   RateLimitConfig
	MetricsPush MetricsPushConfig
}

// ProcessorConfig configures the payment processor gateway.
type ProcessorConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	PageSize      int
}

// AccountingConfig configures the external accounting connector.
type AccountingConfig struct {
	Mode            string
	BaseURL         string
	APIKey          string
	MaxSyncAttempts int
}

// WebhookConfig bounds webhook event retries.
type WebhookConfig struct {
	MaxAttempts int
}

// WorkerConfig controls the background worker loop.
type WorkerConfig struct {
	Enabled        bool
	RunInterval    time.Duration
	BatchSize      int
	JobTimeout     time.Duration
	MaxJobAttempts int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	EnabledJobs    []string
}

// RateLimitConfig throttles webhook ingestion. The limiter needs the
// shared redis connection settings, so Enabled without RedisAddr is a
// startup error.
type RateLimitConfig struct {
	Enabled       bool
	IngestRate    float64
	IngestBurst   int
	ProviderRate  float64
	ProviderBurst int
}

// MetricsPushConfig configures outbound metrics delivery for
// deployments without scrape access.
type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

const (
	AccountingModeHTTP = "http"
	AccountingModeStub = "stub"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "treasury"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Currency: strings.ToUpper(getenv("TREASURY_CURRENCY", "USD")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "treasury"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		DBMetricsEnabled:  getenvBool("DATABASE_METRICS_ENABLED", true),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		Processor: ProcessorConfig{
			BaseURL:       getenv("PROCESSOR_BASE_URL", "https://api.stripe.com"),
			APIKey:        strings.TrimSpace(getenv("PROCESSOR_API_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("PROCESSOR_WEBHOOK_SECRET", "")),
			PageSize:      int(getenvInt64("PROCESSOR_PAGE_SIZE", 100)),
		},
		Accounting: AccountingConfig{
			Mode:            normalizeAccountingMode(getenv("ACCOUNTING_MODE", AccountingModeStub)),
			BaseURL:         strings.TrimSpace(getenv("ACCOUNTING_BASE_URL", "")),
			APIKey:          strings.TrimSpace(getenv("ACCOUNTING_API_KEY", "")),
			MaxSyncAttempts: int(getenvInt64("ACCOUNTING_MAX_SYNC_ATTEMPTS", 3)),
		},
		Webhook: WebhookConfig{
			MaxAttempts: int(getenvInt64("WEBHOOK_MAX_ATTEMPTS", 5)),
		},
		Worker: WorkerConfig{
			Enabled:        getenvBool("WORKER_ENABLED", true),
			RunInterval:    getenvDuration("WORKER_RUN_INTERVAL", time.Minute),
			BatchSize:      int(getenvInt64("WORKER_BATCH_SIZE", 50)),
			JobTimeout:     getenvDuration("WORKER_JOB_TIMEOUT", 30*time.Second),
			MaxJobAttempts: int(getenvInt64("WORKER_MAX_JOB_ATTEMPTS", 5)),
			BackoffBase:    getenvDuration("WORKER_BACKOFF_BASE", 30*time.Second),
			BackoffCap:     getenvDuration("WORKER_BACKOFF_CAP", time.Hour),
			EnabledJobs:    parseJobs(getenv("WORKER_ENABLED_JOBS", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			IngestRate:    getenvFloat("RATE_LIMIT_INGEST_RATE", 50),
			IngestBurst:   int(getenvInt64("RATE_LIMIT_INGEST_BURST", 100)),
			ProviderRate:  getenvFloat("RATE_LIMIT_PROVIDER_RATE", 25),
			ProviderBurst: int(getenvInt64("RATE_LIMIT_PROVIDER_BURST", 50)),
		},
		MetricsPush: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 30*time.Minute),
		},
	}

	return cfg
}

func normalizeAccountingMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case AccountingModeHTTP:
		return AccountingModeHTTP
	default:
		return AccountingModeStub
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseJobs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
