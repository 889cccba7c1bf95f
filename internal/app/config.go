package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the API, the worker and the CLI.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	PGDSN string `envconfig:"PG_DSN" required:"true"`

	RedisAddr          string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SessionCookie      string        `envconfig:"SESSION_COOKIE" default:"odyssey_session"`
	MembershipCacheTTL time.Duration `envconfig:"MEMBERSHIP_CACHE_TTL" default:"1m"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	BulkConcurrency    int           `envconfig:"BULK_CONCURRENCY" default:"4"`
	TaskEnqueueTimeout time.Duration `envconfig:"TASK_ENQUEUE_TIMEOUT" default:"5s"`

	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"5"`
	WorkerMetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`
	BudgetRefreshCron string `envconfig:"BUDGET_REFRESH_CRON" default:"0 * * * *"`
	BudgetCloseCron   string `envconfig:"BUDGET_CLOSE_CRON" default:"5 0 * * *"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.PGDSN) == "" {
		return errors.New("postgres dsn must be provided")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.BulkConcurrency <= 0 {
		return fmt.Errorf("bulk concurrency must be positive, got %d", c.BulkConcurrency)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// BulkRateLimit is the per-minute budget of the bulk endpoints.
func (c *Config) BulkRateLimit() int {
	limit := c.RateLimitPerMinute / 10
	if limit < 1 {
		return 1
	}
	return limit
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}
