package model

import (
	"fmt"
	"math"
)

// Defaults used by the dashboard when no settings are stored.
const (
	DefaultMaxThresholdKw = 3.5

	moderatePercent = 70
	overloadPercent = 90
)

// ThresholdConfig is the user controlled balancing configuration.
type ThresholdConfig struct {
	MaxThresholdKw       float64 `json:"max_threshold_kw"`
	AutoBalanceEnabled   bool    `json:"auto_balance_enabled"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
}

// DefaultThreshold returns the factory settings.
func DefaultThreshold() ThresholdConfig {
	return ThresholdConfig{
		MaxThresholdKw:       DefaultMaxThresholdKw,
		AutoBalanceEnabled:   true,
		NotificationsEnabled: true,
	}
}

// Validate checks the threshold is a positive number.
func (c ThresholdConfig) Validate() error {
	if math.IsNaN(c.MaxThresholdKw) || math.IsInf(c.MaxThresholdKw, 0) || c.MaxThresholdKw <= 0 {
		return fmt.Errorf("max_threshold_kw must be positive, got %v", c.MaxThresholdKw)
	}
	return nil
}

// UsageStatus buckets the current draw relative to the threshold.
type UsageStatus string

const (
	UsageNormal   UsageStatus = "Normal"
	UsageModerate UsageStatus = "Moderate"
	UsageOverload UsageStatus = "Overload"
)

// Usage summarises the household draw against the threshold.
type Usage struct {
	CurrentKw   float64     `json:"current_kw"`
	ThresholdKw float64     `json:"threshold_kw"`
	Percent     int         `json:"percent"`
	Status      UsageStatus `json:"status"`
}

// Classify computes the usage percentage (capped at 100) and its status band.
func Classify(currentKw, thresholdKw float64) Usage {
	u := Usage{CurrentKw: currentKw, ThresholdKw: thresholdKw}
	if thresholdKw > 0 {
		pct := int(math.Round(currentKw / thresholdKw * 100))
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		u.Percent = pct
	} else if currentKw > 0 {
		u.Percent = 100
	}
	switch {
	case u.Percent < moderatePercent:
		u.Status = UsageNormal
	case u.Percent < overloadPercent:
		u.Status = UsageModerate
	default:
		u.Status = UsageOverload
	}
	return u
}
