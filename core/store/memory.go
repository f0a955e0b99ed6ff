package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/switchyard/core/model"
)

// MemoryStore keeps controllers in memory. It is used in tests and when no
// document database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Controller
}

// NewMemoryStore returns a store seeded with the given controllers.
func NewMemoryStore(controllers ...model.Controller) *MemoryStore {
	s := &MemoryStore{data: make(map[string]model.Controller, len(controllers))}
	for _, c := range controllers {
		s.Put(c)
	}
	return s
}

// Put inserts or replaces a controller document.
func (s *MemoryStore) Put(c model.Controller) {
	s.mu.Lock()
	s.data[c.ID] = c.Clone()
	s.mu.Unlock()
}

// Upsert implements Seeder.
func (s *MemoryStore) Upsert(_ context.Context, c model.Controller) error {
	s.Put(c)
	return nil
}

func (s *MemoryStore) Controller(_ context.Context, id string) (model.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[id]
	if !ok {
		return model.Controller{}, fmt.Errorf("%w: %s", ErrControllerNotFound, id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ControllerByAddress(_ context.Context, address string) (model.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data {
		if c.Address == address {
			return c.Clone(), nil
		}
	}
	return model.Controller{}, fmt.Errorf("%w: address %s", ErrControllerNotFound, address)
}

func (s *MemoryStore) Controllers(_ context.Context) ([]model.Controller, error) {
	s.mu.RLock()
	res := make([]model.Controller, 0, len(s.data))
	for _, c := range s.data {
		res = append(res, c.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) ApplySwitchState(_ context.Context, controllerID, switchID string, state bool, at time.Time) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[controllerID]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrControllerNotFound, controllerID)
	}
	for i := range c.Switches {
		if c.Switches[i].ID != switchID {
			continue
		}
		if c.Switches[i].State == state {
			return Change{Sequence: c.Sequence, Classroom: c.Classroom}, nil
		}
		c.Switches[i].State = state
		c.Switches[i].LastChanged = at
		c.Sequence++
		s.data[controllerID] = c
		return Change{Changed: true, Sequence: c.Sequence, Classroom: c.Classroom}, nil
	}
	return Change{}, fmt.Errorf("%w: %s/%s", ErrSwitchNotFound, controllerID, switchID)
}

func (s *MemoryStore) Touch(_ context.Context, controllerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[controllerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrControllerNotFound, controllerID)
	}
	if at.After(c.LastSeen) {
		c.LastSeen = at
		s.data[controllerID] = c
	}
	return nil
}

func (s *MemoryStore) MarkIdentified(_ context.Context, controllerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[controllerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrControllerNotFound, controllerID)
	}
	c.Identified = true
	if at.After(c.LastSeen) {
		c.LastSeen = at
	}
	s.data[controllerID] = c
	return nil
}
