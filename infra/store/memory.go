package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/persistence"
)

// MemoryStore keeps appliances in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	order []string
	items map[string]model.Appliance
}

// NewMemoryStore returns a store holding a copy of apps.
func NewMemoryStore(apps ...model.Appliance) *MemoryStore {
	s := &MemoryStore{items: make(map[string]model.Appliance, len(apps))}
	for _, a := range apps {
		s.put(a)
	}
	return s
}

func (s *MemoryStore) put(a model.Appliance) {
	if _, ok := s.items[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.items[a.ID] = a
}

func (s *MemoryStore) LoadAppliances(ctx context.Context) ([]model.Appliance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Appliance, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out, nil
}

func (s *MemoryStore) PersistPowerState(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return persistence.NewIOError("persist_power", id, fmt.Errorf("appliance not stored"))
	}
	a.IsOn = on
	s.items[id] = a
	return nil
}

func (s *MemoryStore) SaveAppliance(ctx context.Context, a model.Appliance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(a)
	return nil
}

func (s *MemoryStore) DeleteAppliance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return nil
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
