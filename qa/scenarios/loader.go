// Package scenarios replays household balancing scenarios described in YAML
// against a controller backed by an in-memory store.
package scenarios

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/homeenergy/core/model"
)

type ToggleDef struct {
	ID string `yaml:"id"`
	On bool   `yaml:"on"`
}

// Step is one action of a scenario. Exactly one field is expected to be set.
type Step struct {
	Toggle      *ToggleDef `yaml:"toggle,omitempty"`
	ThresholdKw float64    `yaml:"threshold_kw,omitempty"`
	Rebalance   bool       `yaml:"rebalance,omitempty"`
}

type Expected struct {
	// Shed lists, in order, every appliance switched off by the controller.
	Shed        []string `yaml:"shed"`
	On          []string `yaml:"on"`
	Unreachable bool     `yaml:"unreachable"`
	LoadKw      float64  `yaml:"load_kw"`
}

type Scenario struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	ThresholdKw float64           `yaml:"threshold_kw"`
	Appliances  []model.Appliance `yaml:"appliances"`
	Steps       []Step            `yaml:"steps"`
	Expected    Expected          `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := model.ValidateAll(sc.Appliances); err != nil {
		return nil, err
	}
	return &sc, nil
}
