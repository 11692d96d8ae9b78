package config

import (
	"github.com/spf13/viper"
)

// Default file permissions for created config directories.
const DefaultDirPermissions = 0750

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "conveyor.db")
	v.SetDefault("database.prune_after_days", 30)

	// Log defaults
	v.SetDefault("log.json", false)

	// Engine defaults
	v.SetDefault("engine.queues", []string{"default"})
	v.SetDefault("engine.workers", 1)
	v.SetDefault("engine.poll_interval_seconds", 5)
	v.SetDefault("engine.lease_duration_seconds", 300)
	v.SetDefault("engine.exec_timeout_seconds", 120)
	v.SetDefault("engine.grace_period_seconds", 30)
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.backoff_base_seconds", 10)
	v.SetDefault("engine.backoff_cap_seconds", 600)
	v.SetDefault("engine.backoff_jitter", 0.1)

	// Budget defaults: disabled unless a window cap is configured
	v.SetDefault("budget.max_calls_per_window", 0)
	v.SetDefault("budget.window_seconds", 60)

	// Schedule defaults
	v.SetDefault("schedule.ticker_interval_seconds", 1)
}
