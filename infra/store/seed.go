package store

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/persistence"
)

//go:embed seed/default.yaml
var defaultSeed []byte

type seedFile struct {
	Appliances []model.Appliance `yaml:"appliances"`
}

// ParseSeed decodes and validates a YAML appliance list.
func ParseSeed(data []byte) ([]model.Appliance, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := model.ValidateAll(f.Appliances); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return f.Appliances, nil
}

// LoadSeed reads a seed file. An empty path yields the built-in household.
func LoadSeed(path string) ([]model.Appliance, error) {
	if path == "" {
		return ParseSeed(defaultSeed)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data)
}

// Seed saves apps into s when s holds no appliance yet. It reports whether
// anything was written.
func Seed(ctx context.Context, s persistence.Store, apps []model.Appliance) (bool, error) {
	existing, err := s.LoadAppliances(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	for _, a := range apps {
		if err := s.SaveAppliance(ctx, a); err != nil {
			return false, err
		}
	}
	return len(apps) > 0, nil
}
