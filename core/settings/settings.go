// Package settings holds the user-adjustable balancing configuration.
package settings

import (
	"sync"

	"github.com/kilianp07/homeenergy/core/model"
)

// Provider returns the current threshold configuration. Callers read it once
// per rebalance so a concurrent update never splits a decision.
type Provider interface {
	Threshold() model.ThresholdConfig
}

// Store is a Provider whose value can be changed at runtime.
type Store struct {
	mu  sync.RWMutex
	cfg model.ThresholdConfig
}

// NewStore validates cfg and returns a Store holding it.
func NewStore(cfg model.ThresholdConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg}, nil
}

func (s *Store) Threshold() model.ThresholdConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the configuration. An invalid value leaves the current one
// in place.
func (s *Store) Update(cfg model.ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Static is a fixed Provider.
type Static model.ThresholdConfig

func (s Static) Threshold() model.ThresholdConfig { return model.ThresholdConfig(s) }
