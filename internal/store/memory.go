package store

import (
	"context"
	"sort"
	"sync"

	"poolwatch/internal/model"
)

// MemStore is an in-memory Store. It backs dev mode runs without a
// database and the package tests; commits are atomic under its lock.
type MemStore struct {
	mu       sync.Mutex
	events   map[model.EventID]model.StoredEvent
	order    []model.EventID
	cursors  map[string]uint64
	failures map[model.EventID]model.DecodeFailure
	states   map[string]model.PoolState
}

func NewMemStore() *MemStore {
	return &MemStore{
		events:   make(map[model.EventID]model.StoredEvent),
		cursors:  make(map[string]uint64),
		failures: make(map[model.EventID]model.DecodeFailure),
		states:   make(map[string]model.PoolState),
	}
}

func (s *MemStore) LoadCursor(ctx context.Context, scope string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.cursors[scope]
	return seq, ok, nil
}

func (s *MemStore) CommitRange(ctx context.Context, scope string, events []model.StoredEvent, newSeq uint64, states []model.PoolState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, event := range events {
		if _, ok := s.events[event.ID]; ok {
			continue
		}
		s.events[event.ID] = event
		s.order = append(s.order, event.ID)
		inserted++
	}
	sort.Slice(s.order, func(i, j int) bool {
		return s.order[i].Less(s.order[j])
	})

	if current, ok := s.cursors[scope]; !ok || newSeq > current {
		s.cursors[scope] = newSeq
	}

	for _, state := range states {
		s.states[state.PoolID] = state
	}
	return inserted, nil
}

func (s *MemStore) ListSince(ctx context.Context, cursor model.EventID, poolID string, limit int) ([]model.StoredEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]model.StoredEvent, 0, limit)
	for _, id := range s.order {
		if !id.After(cursor) {
			continue
		}
		event := s.events[id]
		if poolID != "" && event.PoolID != poolID {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *MemStore) Pools(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var pools []string
	for _, id := range s.order {
		event := s.events[id]
		if _, ok := seen[event.PoolID]; ok {
			continue
		}
		seen[event.PoolID] = struct{}{}
		pools = append(pools, event.PoolID)
	}
	sort.Strings(pools)
	return pools, nil
}

func (s *MemStore) RecordDecodeFailures(ctx context.Context, failures []model.DecodeFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, failure := range failures {
		if _, ok := s.failures[failure.ID]; ok {
			continue
		}
		s.failures[failure.ID] = failure
	}
	return nil
}

func (s *MemStore) LoadPoolStates(ctx context.Context) ([]model.PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]model.PoolState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].PoolID < states[j].PoolID
	})
	return states, nil
}

// DecodeFailures returns recorded failures in identity order.
func (s *MemStore) DecodeFailures() []model.DecodeFailure {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures := make([]model.DecodeFailure, 0, len(s.failures))
	for _, failure := range s.failures {
		failures = append(failures, failure)
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].ID.Less(failures[j].ID)
	})
	return failures
}
