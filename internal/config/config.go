// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// storage, the retry policy, worker pools, the ledger, event bus routing,
// alarm thresholds and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-event-pipeline")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RetryConfig bounds redelivery of failed requests and deliveries.
type RetryConfig struct {
	BaseDelay   time.Duration // RETRY_BASE_DELAY
	MaxDelay    time.Duration // RETRY_MAX_DELAY
	MaxAttempts int           // RETRY_MAX_ATTEMPTS
	Jitter      float64       // RETRY_JITTER in [0,0.33]
}

// QueueConfig tunes the work queues and their worker pools.
type QueueConfig struct {
	Visibility         time.Duration // VISIBILITY_WINDOW
	PollTimeout        time.Duration // POLL_TIMEOUT
	PollInterval       time.Duration // POLL_INTERVAL
	BatchSize          int           // BATCH_SIZE
	WorkersRestaurant  int           // WORKERS_RESTAURANT
	WorkersReview      int           // WORKERS_REVIEW
	WorkersUserAccount int           // WORKERS_USER_ACCOUNT
	ShutdownGrace      time.Duration // SHUTDOWN_GRACE
}

// Workers returns the pool size for one entity type. Every operation queue
// of that entity gets a pool of this size.
func (q QueueConfig) Workers(e domain.EntityType) int {
	switch e {
	case domain.EntityRestaurant:
		return q.WorkersRestaurant
	case domain.EntityReview:
		return q.WorkersReview
	case domain.EntityUserAccount:
		return q.WorkersUserAccount
	}
	return 1
}

// LedgerConfig configures the idempotency ledger and its caches.
type LedgerConfig struct {
	TTLMargin       time.Duration // LEDGER_TTL_MARGIN
	CacheTTL        time.Duration // LEDGER_CACHE_TTL (0 disables the in-process cache)
	JanitorInterval time.Duration // LEDGER_JANITOR_INTERVAL
	RedisAddr       string        // REDIS_ADDR (empty disables the Redis front)
	RedisPassword   string        // REDIS_PASSWORD
	RedisDB         int           // REDIS_DB
	RedisPrefix     string        // REDIS_PREFIX
}

// BusConfig configures event routing and subscriber delivery.
type BusConfig struct {
	RoutesFile       string        // ROUTES_FILE (empty: log every event)
	KafkaBrokers     []string      // KAFKA_BROKERS (comma separated)
	DeliveryTimeout  time.Duration // DELIVERY_TIMEOUT
	DispatchInterval time.Duration // DISPATCH_INTERVAL
	DispatchBatch    int           // DISPATCH_BATCH
}

// SMTPConfig configures the mail alarm hook. An empty Host disables it.
type SMTPConfig struct {
	Host     string   // SMTP_HOST
	Port     int      // SMTP_PORT
	Username string   // SMTP_USERNAME
	Password string   // SMTP_PASSWORD
	From     string   // SMTP_FROM
	To       []string // SMTP_TO (comma separated)
}

// AlarmConfig holds the monitor thresholds. Zero disables a check.
type AlarmConfig struct {
	Interval   time.Duration // ALARM_INTERVAL
	QueueDepth int64         // ALARM_QUEUE_DEPTH
	DLQDepth   int64         // ALARM_DLQ_DEPTH
	ErrorRate  float64       // ALARM_ERROR_RATE in [0,1]
	MinSamples int64         // ALARM_MIN_SAMPLES
	SMTP       SMTPConfig
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / API
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Pipeline
	Retry  RetryConfig
	Queue  QueueConfig
	Ledger LedgerConfig
	Bus    BusConfig
	Alarm  AlarmConfig

	// Observability
	OTEL OTELConfig
}

// DSN returns the data source for the configured driver.
func (c Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / API
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "pipeline.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 50.0),
		RateBurst: getint("RATE_BURST", 100),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		Retry: RetryConfig{
			BaseDelay:   getdur("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getdur("RETRY_MAX_DELAY", 30*time.Second),
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 5),
			Jitter:      getfloat("RETRY_JITTER", 0.2),
		},
		Queue: QueueConfig{
			Visibility:         getdur("VISIBILITY_WINDOW", 30*time.Second),
			PollTimeout:        getdur("POLL_TIMEOUT", 2*time.Second),
			PollInterval:       getdur("POLL_INTERVAL", 100*time.Millisecond),
			BatchSize:          getint("BATCH_SIZE", 8),
			WorkersRestaurant:  getint("WORKERS_RESTAURANT", 2),
			WorkersReview:      getint("WORKERS_REVIEW", 4),
			WorkersUserAccount: getint("WORKERS_USER_ACCOUNT", 1),
			ShutdownGrace:      getdur("SHUTDOWN_GRACE", 10*time.Second),
		},
		Ledger: LedgerConfig{
			TTLMargin:       getdur("LEDGER_TTL_MARGIN", time.Hour),
			CacheTTL:        getdur("LEDGER_CACHE_TTL", 10*time.Minute),
			JanitorInterval: getdur("LEDGER_JANITOR_INTERVAL", 10*time.Minute),
			RedisAddr:       getenv("REDIS_ADDR", ""),
			RedisPassword:   getenv("REDIS_PASSWORD", ""),
			RedisDB:         getint("REDIS_DB", 0),
			RedisPrefix:     getenv("REDIS_PREFIX", "pipeline:ledger:"),
		},
		Bus: BusConfig{
			RoutesFile:       getenv("ROUTES_FILE", ""),
			KafkaBrokers:     splitCSV(getenv("KAFKA_BROKERS", "")),
			DeliveryTimeout:  getdur("DELIVERY_TIMEOUT", 5*time.Second),
			DispatchInterval: getdur("DISPATCH_INTERVAL", 200*time.Millisecond),
			DispatchBatch:    getint("DISPATCH_BATCH", 16),
		},
		Alarm: AlarmConfig{
			Interval:   getdur("ALARM_INTERVAL", 15*time.Second),
			QueueDepth: int64(getint("ALARM_QUEUE_DEPTH", 1000)),
			DLQDepth:   int64(getint("ALARM_DLQ_DEPTH", 1)),
			ErrorRate:  getfloat("ALARM_ERROR_RATE", 0.5),
			MinSamples: int64(getint("ALARM_MIN_SAMPLES", 20)),
			SMTP: SMTPConfig{
				Host:     getenv("SMTP_HOST", ""),
				Port:     getint("SMTP_PORT", 587),
				Username: getenv("SMTP_USERNAME", ""),
				Password: getenv("SMTP_PASSWORD", ""),
				From:     getenv("SMTP_FROM", "pipeline@localhost"),
				To:       splitCSV(getenv("SMTP_TO", "")),
			},
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-event-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}

	r := cfg.Retry
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return errors.New("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	}
	if r.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 0.33 {
		return errors.New("RETRY_JITTER must be in [0,0.33]")
	}

	q := cfg.Queue
	if q.Visibility <= 0 {
		return errors.New("VISIBILITY_WINDOW must be > 0")
	}
	if q.PollTimeout <= 0 || q.PollInterval <= 0 {
		return errors.New("POLL_TIMEOUT and POLL_INTERVAL must be > 0")
	}
	if q.BatchSize < 1 {
		return errors.New("BATCH_SIZE must be >= 1")
	}
	if q.WorkersRestaurant < 1 || q.WorkersReview < 1 || q.WorkersUserAccount < 1 {
		return errors.New("WORKERS_* must be >= 1")
	}
	if q.ShutdownGrace <= 0 {
		return errors.New("SHUTDOWN_GRACE must be > 0")
	}

	if cfg.Ledger.TTLMargin < 0 || cfg.Ledger.CacheTTL < 0 {
		return errors.New("LEDGER_TTL_MARGIN and LEDGER_CACHE_TTL must be >= 0")
	}
	if cfg.Ledger.JanitorInterval <= 0 {
		return errors.New("LEDGER_JANITOR_INTERVAL must be > 0")
	}
	if cfg.Bus.DeliveryTimeout <= 0 || cfg.Bus.DispatchInterval <= 0 || cfg.Bus.DispatchBatch < 1 {
		return errors.New("DELIVERY_TIMEOUT, DISPATCH_INTERVAL and DISPATCH_BATCH must be positive")
	}

	a := cfg.Alarm
	if a.Interval <= 0 {
		return errors.New("ALARM_INTERVAL must be > 0")
	}
	if a.QueueDepth < 0 || a.DLQDepth < 0 || a.MinSamples < 0 {
		return errors.New("ALARM_* thresholds must be >= 0")
	}
	if a.ErrorRate < 0 || a.ErrorRate > 1 {
		return errors.New("ALARM_ERROR_RATE must be in [0,1]")
	}
	if a.SMTP.Host != "" && len(a.SMTP.To) == 0 {
		return errors.New("SMTP_TO is required when SMTP_HOST is set")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
