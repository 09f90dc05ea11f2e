package config

import "github.com/cohortnet/quorum/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	// Thresholds: 0 = derive from plan size, negative = invalid
	if c.Dispatcher.MinResponding < 0 {
		return errors.Newf("dispatcher.min_responding must be >= 0, got %d", c.Dispatcher.MinResponding)
	}
	if c.Dispatcher.MaxResponding < 0 {
		return errors.Newf("dispatcher.max_responding must be >= 0, got %d", c.Dispatcher.MaxResponding)
	}
	if c.Dispatcher.MinResponding > 0 && c.Dispatcher.MaxResponding > 0 &&
		c.Dispatcher.MinResponding > c.Dispatcher.MaxResponding {
		return errors.Newf("dispatcher.min_responding (%d) cannot exceed dispatcher.max_responding (%d)",
			c.Dispatcher.MinResponding, c.Dispatcher.MaxResponding)
	}

	if c.Dispatcher.StaleAfterSeconds < 0 {
		return errors.Newf("dispatcher.stale_after_seconds must be >= 0, got %d", c.Dispatcher.StaleAfterSeconds)
	}
	if c.Dispatcher.SweepIntervalSeconds <= 0 {
		return errors.Newf("dispatcher.sweep_interval_seconds must be > 0, got %d", c.Dispatcher.SweepIntervalSeconds)
	}
	if c.Dispatcher.MaxDispatchPerMinute < 0 {
		return errors.Newf("dispatcher.max_dispatch_per_minute must be >= 0, got %d", c.Dispatcher.MaxDispatchPerMinute)
	}

	// 0 = suppression disabled (valid for closed networks), negative = invalid
	if c.Privacy.MinCellSize < 0 {
		return errors.Newf("privacy.min_cell_size must be >= 0, got %d", c.Privacy.MinCellSize)
	}

	return nil
}
