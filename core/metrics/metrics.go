package metrics

import (
	"errors"
	"time"

	"github.com/kilianp07/homeenergy/core/model"
)

// RebalanceRecord summarises one balancing pass.
type RebalanceRecord struct {
	ThresholdKw  float64
	LoadBeforeKw float64
	LoadAfterKw  float64
	Shed         []string
	Skipped      int
	Unreachable  bool
	Time         time.Time
}

// MetricsSink records balancing decisions for observability purposes.
type MetricsSink interface {
	RecordRebalance(rec RebalanceRecord) error
}

// UsageSample is the household draw at a point in time.
type UsageSample struct {
	Usage model.Usage
	Time  time.Time
}

// UsageRecorder records usage samples.
type UsageRecorder interface {
	RecordUsage(s UsageSample) error
}

// StateChangeEvent records an appliance being switched.
type StateChangeEvent struct {
	ApplianceID string
	Name        string
	On          bool
	Source      string
	Time        time.Time
}

// StateChangeRecorder records appliance switches.
type StateChangeRecorder interface {
	RecordStateChange(ev StateChangeEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordRebalance(RebalanceRecord) error    { return nil }
func (NopSink) RecordUsage(UsageSample) error            { return nil }
func (NopSink) RecordStateChange(StateChangeEvent) error { return nil }

// MultiSink fans records out to several sinks. Optional recorders are only
// forwarded to sinks implementing them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordRebalance forwards to all sinks and joins their errors.
func (m *MultiSink) RecordRebalance(rec RebalanceRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordRebalance(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordUsage forwards usage samples.
func (m *MultiSink) RecordUsage(u UsageSample) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(UsageRecorder); ok {
			if err := rec.RecordUsage(u); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RecordStateChange forwards appliance switches.
func (m *MultiSink) RecordStateChange(ev StateChangeEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(StateChangeRecorder); ok {
			if err := rec.RecordStateChange(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks holding resources.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
