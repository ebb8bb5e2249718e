package events

import (
	"time"

	"github.com/kilianp07/homeenergy/core/model"
)

// Rebalanced summarises one balancing pass.
type Rebalanced struct {
	ThresholdKw  float64
	LoadBeforeKw float64
	LoadAfterKw  float64
	Applied      []model.Directive
	Skipped      []model.Directive
	Unreachable  bool
	Time         time.Time
}
