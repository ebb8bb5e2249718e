package scenarios

import (
	"context"
	"testing"

	"github.com/kilianp07/homeenergy/core/controller"
	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/registry"
	"github.com/kilianp07/homeenergy/core/settings"
	"github.com/kilianp07/homeenergy/infra/logger"
	"github.com/kilianp07/homeenergy/infra/store"
	"github.com/kilianp07/homeenergy/internal/eventbus"
)

func RunScenario(t *testing.T, sc *Scenario) {
	ctx := context.Background()
	cfg := model.DefaultThreshold()
	cfg.MaxThresholdKw = sc.ThresholdKw
	set, err := settings.NewStore(cfg)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()

	reg := registry.New()
	ctrl, err := controller.New(reg, store.NewMemoryStore(sc.Appliances...),
		controller.WithSettings(set),
		controller.WithBus(bus),
		controller.WithLogger(logger.NopLogger{}),
	)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	unreachable := false
	var shed []string
	collect := func() {
		for {
			select {
			case ev := <-sub:
				switch e := ev.(type) {
				case events.StateChanged:
					if e.Source == events.SourceBalancer && !e.On {
						shed = append(shed, e.ApplianceID)
					}
				case events.Rebalanced:
					unreachable = e.Unreachable
				}
			default:
				return
			}
		}
	}

	for i, st := range sc.Steps {
		switch {
		case st.Toggle != nil:
			if _, err := ctrl.Toggle(ctx, st.Toggle.ID, st.Toggle.On, events.SourceManual); err != nil {
				t.Fatalf("step %d toggle %s: %v", i, st.Toggle.ID, err)
			}
		case st.ThresholdKw > 0:
			cfg := ctrl.Settings()
			cfg.MaxThresholdKw = st.ThresholdKw
			if _, err := ctrl.UpdateSettings(ctx, cfg); err != nil {
				t.Fatalf("step %d threshold: %v", i, err)
			}
		case st.Rebalance:
			if _, err := ctrl.Rebalance(ctx); err != nil {
				t.Fatalf("step %d rebalance: %v", i, err)
			}
		}
		collect()
	}

	if !equalIDs(shed, sc.Expected.Shed) {
		t.Errorf("scenario %s expected shed %v, got %v", sc.Name, sc.Expected.Shed, shed)
	}
	var on []string
	for _, a := range ctrl.Appliances() {
		if a.IsOn {
			on = append(on, a.ID)
		}
	}
	if !equalIDs(on, sc.Expected.On) {
		t.Errorf("scenario %s expected on %v, got %v", sc.Name, sc.Expected.On, on)
	}
	if unreachable != sc.Expected.Unreachable {
		t.Errorf("scenario %s expected unreachable=%v", sc.Name, sc.Expected.Unreachable)
	}
	if got := reg.TotalLoadKw(registry.IsOn); abs(got-sc.Expected.LoadKw) > 1e-9 {
		t.Errorf("scenario %s expected load %.3f kW, got %.3f", sc.Name, sc.Expected.LoadKw, got)
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
