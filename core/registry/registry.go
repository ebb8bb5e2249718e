// Package registry holds the authoritative in-memory view of the household
// appliances and their power state.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kilianp07/homeenergy/core/model"
)

var (
	// ErrNotFound is returned when no appliance has the requested id.
	ErrNotFound = errors.New("appliance not found")
	// ErrDuplicate is returned when adding an appliance whose id is taken.
	ErrDuplicate = errors.New("appliance already exists")
)

// IsOn is the predicate used to compute the current household draw.
func IsOn(a model.Appliance) bool { return a.IsOn }

// Registry stores appliances in insertion order. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	items map[string]model.Appliance
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{items: map[string]model.Appliance{}}
}

// List returns a copy of the appliances in insertion order.
func (r *Registry) List() []model.Appliance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Appliance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// Len returns the number of known appliances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns the appliance with the given id.
func (r *Registry) Get(id string) (model.Appliance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return model.Appliance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Add appends a new appliance.
func (r *Registry) Add(a model.Appliance) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
	}
	r.items[a.ID] = a
	r.order = append(r.order, a.ID)
	return nil
}

// Update replaces the stored appliance, keeping its position.
func (r *Registry) Update(a model.Appliance) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	r.items[a.ID] = a
	return nil
}

// Remove deletes the appliance.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Replace swaps the whole content for apps, typically after loading from
// persistence. Nothing is changed if any appliance is invalid.
func (r *Registry) Replace(apps []model.Appliance) error {
	if err := model.ValidateAll(apps); err != nil {
		return err
	}
	items := make(map[string]model.Appliance, len(apps))
	order := make([]string, 0, len(apps))
	for _, a := range apps {
		items[a.ID] = a
		order = append(order, a.ID)
	}
	r.mu.Lock()
	r.items = items
	r.order = order
	r.mu.Unlock()
	return nil
}

// SetPower sets the power flag of the appliance. Criticality is not checked
// here; callers issuing automatic changes must never target critical loads.
func (r *Registry) SetPower(id string, on bool) (model.Appliance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return model.Appliance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.IsOn = on
	r.items[id] = a
	return a, nil
}

// Apply executes a directive against the current state. A directive whose
// appliance already is in the target state, or a shed directive against an
// appliance marked critical since the decision, is stale and skipped: Apply
// then returns false without error.
func (r *Registry) Apply(d model.Directive) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[d.ApplianceID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, d.ApplianceID)
	}
	on := d.Target.On()
	if a.IsOn == on || (!on && a.IsCritical) {
		return false, nil
	}
	a.IsOn = on
	r.items[a.ID] = a
	return true, nil
}

// TotalLoadKw sums the rated power in kW of the appliances matching pred.
// A nil predicate matches every appliance.
func (r *Registry) TotalLoadKw(pred func(model.Appliance) bool) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var watts float64
	for _, id := range r.order {
		a := r.items[id]
		if pred == nil || pred(a) {
			watts += a.RatedPowerWatts
		}
	}
	return watts / 1000
}
