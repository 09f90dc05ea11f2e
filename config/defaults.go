package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "quorum.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	// Dispatcher defaults
	v.SetDefault("dispatcher.min_responding", 0)          // 0 = all execution rules
	v.SetDefault("dispatcher.max_responding", 0)          // 0 = all execution rules
	v.SetDefault("dispatcher.stale_after_seconds", 1800)  // 30 minute soft deadline
	v.SetDefault("dispatcher.sweep_interval_seconds", 10) // stale sweep cadence
	v.SetDefault("dispatcher.max_dispatch_per_minute", 0) // 0 = unthrottled

	// Privacy defaults
	v.SetDefault("privacy.min_cell_size", 3)
}
