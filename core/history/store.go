// Package history keeps an audit trail of balancing decisions. Each
// rebalance appends one LogRecord; records can be queried by time range and
// appliance.
package history

import (
	"context"
	"time"

	"github.com/kilianp07/homeenergy/core/model"
)

// Triggers of a rebalance.
const (
	TriggerPeriodic = "periodic"
	TriggerManual   = "manual"
	TriggerToggle   = "toggle"
	TriggerSettings = "settings"
)

// LogRecord captures one balancing decision and its result.
type LogRecord struct {
	Timestamp    time.Time         `json:"timestamp"`
	Trigger      string            `json:"trigger"`
	ThresholdKw  float64           `json:"threshold_kw"`
	LoadBeforeKw float64           `json:"load_before_kw"`
	LoadAfterKw  float64           `json:"load_after_kw"`
	Applied      []model.Directive `json:"applied"`
	Skipped      []model.Directive `json:"skipped,omitempty"`
	Unreachable  bool              `json:"unreachable"`
	Errors       []string          `json:"errors,omitempty"`
}

// LogQuery defines filters for retrieving records. Zero values match all.
type LogQuery struct {
	Start           time.Time
	End             time.Time
	ApplianceID     string
	UnreachableOnly bool
}

// Matches reports whether r passes every filter of q.
func (q LogQuery) Matches(r LogRecord) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.UnreachableOnly && !r.Unreachable {
		return false
	}
	if q.ApplianceID == "" {
		return true
	}
	for _, d := range r.Applied {
		if d.ApplianceID == q.ApplianceID {
			return true
		}
	}
	for _, d := range r.Skipped {
		if d.ApplianceID == q.ApplianceID {
			return true
		}
	}
	return false
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}

// NopStore discards records.
type NopStore struct{}

func (NopStore) Append(context.Context, LogRecord) error             { return nil }
func (NopStore) Query(context.Context, LogQuery) ([]LogRecord, error) { return nil, nil }
func (NopStore) Close() error                                         { return nil }
