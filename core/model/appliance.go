package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidAppliance is returned when an appliance fails validation.
var ErrInvalidAppliance = errors.New("invalid appliance")

// Priority ranks how willing the household is to lose an appliance.
// Lower values are shed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the display form used by the dashboard.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority converts "low", "Medium", "HIGH"... into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Appliance is an electrical load known to the household.
type Appliance struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Icon            string   `json:"icon,omitempty" yaml:"icon,omitempty"`
	RatedPowerWatts float64  `json:"rated_power_watts" yaml:"rated_power_watts"`
	Priority        Priority `json:"priority" yaml:"priority"`
	IsCritical      bool     `json:"is_critical" yaml:"is_critical"`
	IsOn            bool     `json:"is_on" yaml:"is_on"`
}

// LoadKw returns the draw of the appliance while on, in kilowatts.
func (a Appliance) LoadKw() float64 {
	return a.RatedPowerWatts / 1000
}

// Sheddable reports whether the balancer may switch the appliance off.
func (a Appliance) Sheddable() bool {
	return a.IsOn && !a.IsCritical
}

// Validate checks the appliance can be handed to the balancer.
func (a Appliance) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAppliance)
	}
	if math.IsNaN(a.RatedPowerWatts) || math.IsInf(a.RatedPowerWatts, 0) || a.RatedPowerWatts < 0 {
		return fmt.Errorf("%w: %s: rated power must be a non-negative number", ErrInvalidAppliance, a.ID)
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("%w: %s: unknown priority %d", ErrInvalidAppliance, a.ID, int(a.Priority))
	}
	return nil
}

// ValidateAll validates every appliance and rejects duplicate IDs.
func ValidateAll(apps []Appliance) error {
	var errs []error
	seen := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s", ErrInvalidAppliance, a.ID))
		}
		seen[a.ID] = struct{}{}
	}
	return errors.Join(errs...)
}
