// Package config holds the quorum orchestrator configuration, loaded from a
// TOML file with environment overrides.
package config

// Config represents the core quorum configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the quorum web server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DispatcherConfig configures fan-out behaviour and completion thresholds.
// MinResponding/MaxResponding are defaults applied when a submitted query
// does not carry its own thresholds; 0 means "number of execution rules".
type DispatcherConfig struct {
	MinResponding        int `mapstructure:"min_responding"`
	MaxResponding        int `mapstructure:"max_responding"`
	StaleAfterSeconds    int `mapstructure:"stale_after_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// MaxDispatchPerMinute throttles outbound sub-query sends across all
	// data sources. 0 disables throttling.
	MaxDispatchPerMinute int `mapstructure:"max_dispatch_per_minute"`
}

// PrivacyConfig configures small-cell suppression of result counts.
// Any externally visible count below MinCellSize is replaced with the
// suppressed sentinel. 0 disables suppression.
type PrivacyConfig struct {
	MinCellSize int64 `mapstructure:"min_cell_size"`
}

// DefaultServerPort is the port the orchestrator listens on when the config
// does not specify one.
const DefaultServerPort = 8710
