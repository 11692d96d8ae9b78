// Package config provides layered TOML configuration with environment
// overrides, persisted edits, and live reload.
package config

// Config is the root conveyor configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	PruneAfterDays int    `mapstructure:"prune_after_days"` // 0 = never prune
}

// LogConfig configures structured logging output.
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON output instead of console
}

// EngineConfig configures the pollers and retry policy.
type EngineConfig struct {
	Queues               []string              `mapstructure:"queues"`
	Workers              int                   `mapstructure:"workers"`
	PollIntervalSeconds  int                   `mapstructure:"poll_interval_seconds"`
	LeaseDurationSeconds int                   `mapstructure:"lease_duration_seconds"`
	ExecTimeoutSeconds   int                   `mapstructure:"exec_timeout_seconds"`
	GracePeriodSeconds   int                   `mapstructure:"grace_period_seconds"`
	MaxAttempts          int                   `mapstructure:"max_attempts"`
	BackoffBaseSeconds   int                   `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds    int                   `mapstructure:"backoff_cap_seconds"`
	BackoffJitter        float64               `mapstructure:"backoff_jitter"`
	Pools                map[string]PoolConfig `mapstructure:"pools"`
}

// PoolConfig configures a per-queue resource pool.
type PoolConfig struct {
	Size                  int `mapstructure:"size"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// BudgetConfig configures the call-rate gate. MaxCallsPerWindow 0 disables
// rate limiting entirely.
type BudgetConfig struct {
	MaxCallsPerWindow int `mapstructure:"max_calls_per_window"`
	WindowSeconds     int `mapstructure:"window_seconds"`
}

// ScheduleConfig configures the recurring-job ticker.
type ScheduleConfig struct {
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"`
}
