package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Signalidea server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Workflow WorkflowConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	LogLevel          string
	PublicBaseURL     string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

// WorkflowConfig points at the external automation engine. Endpoint URLs are
// optional at startup; a request that needs a missing URL fails with a
// configuration error instead.
type WorkflowConfig struct {
	APIKey         string
	CallbackSecret string

	Intent              Endpoint
	CompetitorDiscovery Endpoint
	TopFiveSelector     Endpoint
	URLDiscovery        Endpoint
	FeatureMatrix       Endpoint

	FanOutConcurrency int
}

type Endpoint struct {
	URL     string
	Timeout time.Duration
}

type WorkerConfig struct {
	Concurrency   int
	QueueSize     int
	MaxAttempts   int
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads configuration from the environment, after applying an optional
// .env file, and returns a validated Config. Variables already present in the
// environment win over the file.
func Load() (*Config, error) {
	if err := loadDotEnv(envString("SIGNALIDEA_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("SIGNALIDEA_PORT", 8080),
			Env:               envString("SIGNALIDEA_ENV", "development"),
			LogLevel:          strings.ToLower(envString("LOG_LEVEL", "info")),
			PublicBaseURL:     strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("STATUS_CACHE_TTL", 10*time.Minute),
		},
		Workflow: WorkflowConfig{
			APIKey:         os.Getenv("N8N_API_KEY"),
			CallbackSecret: os.Getenv("N8N_CALLBACK_SECRET"),
			Intent: Endpoint{
				URL:     os.Getenv("N8N_WEBHOOK_URL"),
				Timeout: envDurationSecs("INTENT_TIMEOUT_SECS", 60*time.Second),
			},
			CompetitorDiscovery: Endpoint{
				URL:     os.Getenv("N8N_COMPETITOR_DISCOVERY_URL"),
				Timeout: envDurationSecs("COMPETITOR_DISCOVERY_TIMEOUT_SECS", 90*time.Second),
			},
			TopFiveSelector: Endpoint{
				URL:     os.Getenv("N8N_TOP_FIVE_SELECTOR_URL"),
				Timeout: envDurationSecs("TOP_FIVE_TIMEOUT_SECS", 90*time.Second),
			},
			URLDiscovery: Endpoint{
				URL:     os.Getenv("N8N_WEBHOOK_DISCOVER_URL"),
				Timeout: envDurationSecs("URL_DISCOVERY_TIMEOUT_SECS", 120*time.Second),
			},
			FeatureMatrix: Endpoint{
				URL:     os.Getenv("N8N_WEBHOOK_SCRAPE_URL"),
				Timeout: envDurationSecs("FEATURE_MATRIX_TIMEOUT_SECS", 180*time.Second),
			},
			FanOutConcurrency: envInt("FANOUT_CONCURRENCY", 5),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", 4),
			QueueSize:     envInt("WORKER_QUEUE_SIZE", 100),
			MaxAttempts:   envInt("WORKER_MAX_ATTEMPTS", 3),
			StaleAfter:    envDuration("WORKER_STALE_AFTER", 15*time.Minute),
			SweepInterval: envDuration("WORKER_SWEEP_INTERVAL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[c.Server.LogLevel]
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must be a postgres:// URL when DATABASE_DRIVER is postgres")
	}

	if _, ok := logLevels[c.Server.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Server.PublicBaseURL != "" && !isHTTPURL(c.Server.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	endpoints := map[string]string{
		"N8N_WEBHOOK_URL":              c.Workflow.Intent.URL,
		"N8N_COMPETITOR_DISCOVERY_URL": c.Workflow.CompetitorDiscovery.URL,
		"N8N_TOP_FIVE_SELECTOR_URL":    c.Workflow.TopFiveSelector.URL,
		"N8N_WEBHOOK_DISCOVER_URL":     c.Workflow.URLDiscovery.URL,
		"N8N_WEBHOOK_SCRAPE_URL":       c.Workflow.FeatureMatrix.URL,
	}
	for name, u := range endpoints {
		if u != "" && !isHTTPURL(u) {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize < 1 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be at least 1, got %d", c.Worker.QueueSize)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}

	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
