// Package config loads the core's runtime configuration from environment
// variables, with optional per-workspace YAML profiles layered on top.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/breaker"
	"github.com/openprocure/core/pkg/confidence"
	"github.com/openprocure/core/pkg/governance"
	"github.com/openprocure/core/pkg/observability"
	"github.com/openprocure/core/pkg/outbox"
	"github.com/openprocure/core/pkg/shadow"
)

// Config holds every knob the worker reads at startup. All values come from
// the environment; missing variables fall back to production defaults.
type Config struct {
	LogLevel string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string

	OTLPEndpoint string
	OTLPEnabled  bool
	Environment  string

	ErpSimulatorSeed     string
	ErpOutboxPassRPS     float64
	ErpOutboxBatchSize   int
	ErpOutboxMaxAttempts int
	ErpOutboxBackoff     time.Duration
	ErpOutboxMaxBackoff  time.Duration
	ErpOutboxJitterRatio float64
	ErpRunningTimeout    time.Duration
	ErpDeadLetterOnGov   bool

	CircuitEnabled    bool
	CircuitThreshold  float64
	CircuitMinSamples int
	CircuitWindow     time.Duration
	CircuitOpenFor    time.Duration
	CircuitHalfOpen   int

	GovEnabled                bool
	GovWorkerMaxConcurrent    int
	GovWorkerMaxBacklog       int
	GovWorkerRetryAfter       time.Duration
	GovAnalyticsMaxRPM        int
	GovAnalyticsMaxConcurrent int

	ShadowEnabled           bool
	ShadowSampleRate        float64
	ShadowMaxDiffLogsPerMin int
	ShadowSkipWhenDegraded  bool

	ConfidenceEnabled    bool
	ConfidenceMinSamples int
	ConfidenceThreshold  float64
	ConfidenceWindowMins int

	ProfilesDir string

	ArchiveSink   string // "dir", "s3" or "gcs"
	ArchiveBucket string
	ArchiveDir    string
	ArchivePrefix string
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel: getString("LOG_LEVEL", "INFO"),

		DatabaseDriver: getString("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getString("DATABASE_DSN", "procure.db"),

		RedisAddr:     getString("REDIS_ADDR", ""),
		RedisPassword: getString("REDIS_PASSWORD", ""),

		OTLPEndpoint: getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  getBool("OTEL_ENABLED", false),
		Environment:  getString("ENVIRONMENT", "development"),

		ErpSimulatorSeed:     getString("ERP_SIMULATOR_SEED", "42"),
		ErpOutboxPassRPS:     getFloat("ERP_OUTBOX_PASS_RPS", 2.0),
		ErpOutboxBatchSize:   getInt("ERP_OUTBOX_BATCH_SIZE", 25),
		ErpOutboxMaxAttempts: getInt("ERP_OUTBOX_MAX_ATTEMPTS", 4),
		ErpOutboxBackoff:     getSeconds("ERP_OUTBOX_BACKOFF_SECONDS", 30),
		ErpOutboxMaxBackoff:  getSeconds("ERP_OUTBOX_MAX_BACKOFF_SECONDS", 600),
		ErpOutboxJitterRatio: getFloat("ERP_OUTBOX_BACKOFF_JITTER_RATIO", 0.25),
		ErpRunningTimeout:    getSeconds("ERP_OUTBOX_RUNNING_TIMEOUT_SECONDS", 900),
		ErpDeadLetterOnGov:   getBool("GOV_WORKER_DEADLETTER_ON_OVERFLOW", false),

		CircuitEnabled:    getBool("ERP_CIRCUIT_ENABLED", true),
		CircuitThreshold:  getFloat("ERP_CIRCUIT_ERROR_RATE_THRESHOLD", 0.6),
		CircuitMinSamples: getInt("ERP_CIRCUIT_MIN_SAMPLES", 5),
		CircuitWindow:     getSeconds("ERP_CIRCUIT_WINDOW_SECONDS", 120),
		CircuitOpenFor:    getSeconds("ERP_CIRCUIT_OPEN_SECONDS", 30),
		CircuitHalfOpen:   getInt("ERP_CIRCUIT_HALF_OPEN_MAX_CALLS", 1),

		GovEnabled:                getBool("GOV_ENABLED", true),
		GovWorkerMaxConcurrent:    getInt("GOV_WORKER_MAX_CONCURRENT_PER_WORKSPACE", 1),
		GovWorkerMaxBacklog:       getInt("GOV_WORKER_MAX_QUEUE_BACKLOG_PER_WORKSPACE", 500),
		GovWorkerRetryAfter:       getSeconds("GOV_WORKER_BACKOFF_ON_LIMIT_SECONDS", 30),
		GovAnalyticsMaxRPM:        getInt("GOV_ANALYTICS_MAX_RPM_PER_WORKSPACE", 60),
		GovAnalyticsMaxConcurrent: getInt("GOV_ANALYTICS_MAX_CONCURRENT_PER_WORKSPACE", 4),

		ShadowEnabled:           getBool("ANALYTICS_SHADOW_COMPARE_ENABLED", false),
		ShadowSampleRate:        getFloat("ANALYTICS_SHADOW_COMPARE_SAMPLE_RATE", 0.05),
		ShadowMaxDiffLogsPerMin: getInt("ANALYTICS_SHADOW_COMPARE_MAX_DIFF_LOGS_PER_MIN", 20),
		ShadowSkipWhenDegraded:  getBool("ANALYTICS_SHADOW_COMPARE_DISABLE_WHEN_DEGRADED", true),

		ConfidenceEnabled:    getBool("ANALYTICS_CONFIDENCE_ENABLED", true),
		ConfidenceMinSamples: getInt("ANALYTICS_CONFIDENCE_MIN_SAMPLES", 100),
		ConfidenceThreshold:  getFloat("ANALYTICS_CONFIDENCE_MAX_DIFF_RATE_PERCENT", 0.5),
		ConfidenceWindowMins: getInt("ANALYTICS_CONFIDENCE_WINDOW_MINUTES", 60),

		ProfilesDir: getString("WORKSPACE_PROFILES_DIR", ""),

		ArchiveSink:   getString("ARCHIVE_SINK", ""),
		ArchiveBucket: getString("ARCHIVE_BUCKET", ""),
		ArchiveDir:    getString("ARCHIVE_DIR", "archive"),
		ArchivePrefix: getString("ARCHIVE_PREFIX", "procure"),
	}
}

// BreakerOptions maps the circuit knobs onto breaker.Options.
func (c *Config) BreakerOptions() breaker.Options {
	return breaker.Options{
		Enabled:            c.CircuitEnabled,
		ErrorRateThreshold: c.CircuitThreshold,
		MinSamples:         c.CircuitMinSamples,
		Window:             c.CircuitWindow,
		OpenFor:            c.CircuitOpenFor,
		HalfOpenMaxCalls:   c.CircuitHalfOpen,
	}
}

// OutboxOptions maps the delivery knobs onto outbox.Options.
func (c *Config) OutboxOptions() outbox.Options {
	return outbox.Options{
		MaxAttempts:            c.ErpOutboxMaxAttempts,
		BackoffBase:            c.ErpOutboxBackoff,
		BackoffMax:             c.ErpOutboxMaxBackoff,
		BackoffJitterRatio:     c.ErpOutboxJitterRatio,
		GovernanceRetryAfter:   c.GovWorkerRetryAfter,
		DeadLetterOnGovOverrun: c.ErpDeadLetterOnGov,
	}
}

// GovernanceOptions maps the admission knobs onto governance.Options.
func (c *Config) GovernanceOptions() governance.Options {
	return governance.Options{
		Enabled:                c.GovEnabled,
		WorkerMaxConcurrent:    c.GovWorkerMaxConcurrent,
		WorkerMaxBacklog:       c.GovWorkerMaxBacklog,
		WorkerRetryAfter:       c.GovWorkerRetryAfter,
		AnalyticsMaxRPM:        c.GovAnalyticsMaxRPM,
		AnalyticsMaxConcurrent: c.GovAnalyticsMaxConcurrent,
	}
}

// ShadowOptions maps the comparison knobs onto shadow.Options.
func (c *Config) ShadowOptions() shadow.Options {
	return shadow.Options{
		Enabled:           c.ShadowEnabled,
		SampleRate:        c.ShadowSampleRate,
		MaxDiffLogsPerMin: c.ShadowMaxDiffLogsPerMin,
		SkipWhenDegraded:  c.ShadowSkipWhenDegraded,
	}
}

// ConfidenceOptions maps the classification knobs onto confidence.Options.
func (c *Config) ConfidenceOptions() confidence.Options {
	return confidence.Options{
		Enabled:          c.ConfidenceEnabled,
		MinSamples:       c.ConfidenceMinSamples,
		ThresholdPercent: c.ConfidenceThreshold,
		WindowMinutes:    c.ConfidenceWindowMins,
	}
}

// ObservabilityConfig maps the telemetry knobs onto observability.Config.
func (c *Config) ObservabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Enabled = c.OTLPEnabled
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.Environment = c.Environment
	return cfg
}

// SlogLevel translates LogLevel into a slog threshold, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}
