package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// LoggingConfig defines the process log output.
type LoggingConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `json:"level"`
}

// Validate checks the level is known.
func (c LoggingConfig) Validate() error {
	if c.Level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	return nil
}
