package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rezkam/botfleet/internal/env"
)

// Config holds all configuration for the orchestrator binary. Every knob has
// a default so the binary runs against a local Postgres with no environment
// beyond BOTFLEET_STORAGE_DSN.
type Config struct {
	// Server
	HTTPHost string `env:"BOTFLEET_HTTP_HOST"`
	HTTPPort string `env:"BOTFLEET_HTTP_PORT" default:"8081"`
	Env      string `env:"BOTFLEET_ENV" default:"dev"` // dev, prod

	Database DatabaseConfig
	Queue    QueueConfig
	Dispatch DispatchConfig
	Recovery RecoveryConfig
	Schedule ScheduleConfig
	Breaker  BreakerConfig

	// Observability
	OTelEnabled   bool   `env:"BOTFLEET_OTEL_ENABLED" default:"false"`
	OTelCollector string `env:"BOTFLEET_OTEL_COLLECTOR" default:"localhost:4318"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `env:"BOTFLEET_STORAGE_DSN"`
	MaxOpenConns    int           `env:"BOTFLEET_DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `env:"BOTFLEET_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `env:"BOTFLEET_DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `env:"BOTFLEET_DB_CONN_MAX_IDLE_TIME" default:"1m"`
}

// QueueConfig controls the durable queue.
type QueueConfig struct {
	VisibilityTimeout   time.Duration `env:"BOTFLEET_VISIBILITY_TIMEOUT" default:"30s"`
	MaxRetries          int           `env:"BOTFLEET_MAX_RETRIES" default:"5"`
	RetryBackoff        string        `env:"BOTFLEET_RETRY_BACKOFF_SECONDS" default:"10,60,300,900,3600"`
	DefaultRequeueDelay time.Duration `env:"BOTFLEET_DEFAULT_REQUEUE_DELAY" default:"10s"`
	DLQEnabled          bool          `env:"BOTFLEET_DLQ_ENABLED" default:"true"`
	DepthSoftLimit      int           `env:"BOTFLEET_QUEUE_DEPTH_SOFT_LIMIT" default:"10000"`

	backoff []time.Duration
}

// Validate parses the backoff schedule.
func (c *QueueConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("BOTFLEET_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	parts := strings.Split(c.RetryBackoff, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		secs, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || secs <= 0 {
			return fmt.Errorf("BOTFLEET_RETRY_BACKOFF_SECONDS: invalid entry %q", p)
		}
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	if len(delays) == 0 {
		return fmt.Errorf("BOTFLEET_RETRY_BACKOFF_SECONDS must list at least one delay")
	}
	c.backoff = delays
	return nil
}

// BackoffSchedule returns the parsed retry delay schedule.
func (c *QueueConfig) BackoffSchedule() []time.Duration {
	if len(c.backoff) == 0 {
		// Zero-value config used directly in tests: fall back to defaults.
		return []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second, 900 * time.Second, 3600 * time.Second}
	}
	return c.backoff
}

// DispatchConfig controls the dispatcher loop.
type DispatchConfig struct {
	Interval      time.Duration `env:"BOTFLEET_DISPATCH_INTERVAL" default:"5s"`
	BatchSize     int           `env:"BOTFLEET_DISPATCH_BATCH_SIZE" default:"50"`
	LoadBalancing string        `env:"BOTFLEET_LOAD_BALANCING" default:"least_loaded"`
}

// Validate checks the balancing policy name.
func (c *DispatchConfig) Validate() error {
	switch c.LoadBalancing {
	case "least_loaded", "round_robin", "random", "affinity":
		return nil
	}
	return fmt.Errorf("BOTFLEET_LOAD_BALANCING: unknown policy %q", c.LoadBalancing)
}

// RecoveryConfig controls heartbeat monitoring and job recovery.
type RecoveryConfig struct {
	HeartbeatTimeout   time.Duration `env:"BOTFLEET_HEARTBEAT_TIMEOUT" default:"60s"`
	MonitorInterval    time.Duration `env:"BOTFLEET_RECOVERY_MONITOR_INTERVAL" default:"30s"`
	JobTimeout         time.Duration `env:"BOTFLEET_DEFAULT_JOB_TIMEOUT" default:"1h"`
	CheckpointRecovery bool          `env:"BOTFLEET_CHECKPOINT_RECOVERY_ENABLED" default:"true"`
}

// ScheduleConfig controls the schedule engine.
type ScheduleConfig struct {
	TickInterval            time.Duration `env:"BOTFLEET_SCHEDULE_TICK_INTERVAL" default:"1s"`
	MaxConcurrentExecutions int           `env:"BOTFLEET_MAX_CONCURRENT_EXECUTIONS_PER_SCHEDULE" default:"3"`
	HistoryRetentionDays    int           `env:"BOTFLEET_HISTORY_RETENTION_DAYS" default:"30"`
}

// BreakerConfig holds circuit breaker defaults for the policy engine.
type BreakerConfig struct {
	FailureThreshold int           `env:"BOTFLEET_CB_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `env:"BOTFLEET_CB_RECOVERY_TIMEOUT" default:"30s"`
	SuccessThreshold int           `env:"BOTFLEET_CB_SUCCESS_THRESHOLD" default:"2"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("BOTFLEET_STORAGE_DSN is required")
	}
	return cfg, nil
}

// LoadTestConfig loads the config used by integration tests. It fails when
// BOTFLEET_TEST_DSN is unset so callers can skip.
func LoadTestConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load test config: %w", err)
	}
	dsn, ok := os.LookupEnv("BOTFLEET_TEST_DSN")
	if !ok || dsn == "" {
		return nil, fmt.Errorf("BOTFLEET_TEST_DSN is not set")
	}
	cfg.Database.DSN = dsn
	return cfg, nil
}
