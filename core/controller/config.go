package controller

import (
	"fmt"
	"time"
)

// DefaultCheckInterval is the periodic re-check used when none is configured.
const DefaultCheckInterval = 30 * time.Second

// Config defines controller settings.
type Config struct {
	// CheckIntervalSeconds is the period of the background rebalance.
	CheckIntervalSeconds int `json:"check_interval_seconds"`
	// RebalanceOnToggle runs a rebalance right after an appliance is
	// switched on.
	RebalanceOnToggle bool `json:"rebalance_on_toggle"`
}

// DefaultConfig returns the settings used when no configuration is given.
func DefaultConfig() Config {
	return Config{CheckIntervalSeconds: int(DefaultCheckInterval / time.Second), RebalanceOnToggle: true}
}

// Validate checks the interval is usable.
func (c Config) Validate() error {
	if c.CheckIntervalSeconds < 0 {
		return fmt.Errorf("check_interval_seconds must not be negative, got %d", c.CheckIntervalSeconds)
	}
	return nil
}

// CheckInterval returns the periodic interval, falling back to the default.
func (c Config) CheckInterval() time.Duration {
	if c.CheckIntervalSeconds <= 0 {
		return DefaultCheckInterval
	}
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
