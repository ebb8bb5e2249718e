// Package balancer decides which appliances to switch off so that the
// household draw stays under the configured threshold.
//
// The functions are pure: they read a snapshot and return directives. The
// caller applies them to the registry and to persistence.
package balancer

import (
	"math"
	"sort"

	"github.com/kilianp07/homeenergy/core/model"
)

// CurrentKw returns the draw of the appliances that are on, in kW.
func CurrentKw(appliances []model.Appliance) float64 {
	return onWatts(appliances) / 1000
}

func onWatts(appliances []model.Appliance) float64 {
	var watts float64
	for _, a := range appliances {
		if a.IsOn {
			watts += a.RatedPowerWatts
		}
	}
	return watts
}

// Rebalance returns the off directives needed to bring the on-state draw to
// or below thresholdKw. Lowest priority is shed first; equal priorities keep
// their snapshot order. Critical appliances are never targeted.
//
// When shedding every candidate is not enough, the accumulated directives are
// returned together with an *UnreachableError.
func Rebalance(appliances []model.Appliance, thresholdKw float64) ([]model.Directive, error) {
	thresholdW := thresholdWatts(thresholdKw)
	currentW := onWatts(appliances)
	if currentW <= thresholdW {
		return nil, nil
	}

	candidates := sheddable(appliances)
	var directives []model.Directive
	for _, a := range candidates {
		directives = append(directives, model.OffDirective(a.ID))
		currentW -= a.RatedPowerWatts
		if currentW <= thresholdW {
			return directives, nil
		}
	}
	return directives, &UnreachableError{ThresholdKw: thresholdKw, RemainingKw: currentW / 1000}
}

// thresholdWatts converts kW to W at milliwatt resolution so that values such
// as 1.001 kW compare equal to a 1001 W load.
func thresholdWatts(kw float64) float64 {
	return math.Round(kw*1e6) / 1000
}

// sheddable lists on, non-critical appliances ordered Low to High priority.
func sheddable(appliances []model.Appliance) []model.Appliance {
	var out []model.Appliance
	for _, a := range appliances {
		if a.Sheddable() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// RestoreAdvice lists off appliances that could be switched back on without
// crossing thresholdKw, highest priority first. Each accepted appliance uses
// up headroom for the following ones. The advice is never applied by the
// controller on its own.
func RestoreAdvice(appliances []model.Appliance, thresholdKw float64) []model.Directive {
	headroomW := thresholdWatts(thresholdKw) - onWatts(appliances)
	if headroomW <= 0 {
		return nil
	}
	var off []model.Appliance
	for _, a := range appliances {
		if !a.IsOn {
			off = append(off, a)
		}
	}
	sort.SliceStable(off, func(i, j int) bool { return off[i].Priority > off[j].Priority })
	var out []model.Directive
	for _, a := range off {
		if a.RatedPowerWatts <= headroomW {
			out = append(out, model.OnDirective(a.ID))
			headroomW -= a.RatedPowerWatts
		}
	}
	return out
}
