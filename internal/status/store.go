// Package status tracks server-reported campaign status.
package status

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"geofencing/internal/state"
)

// Store keeps finished and suspended campaign id sets.
// Params: persistence backend; sets only ever grow.
// Returns: status lookups for planner, throttle, and reporter.
type Store struct {
	persistence state.StatusPersistence

	mu        sync.RWMutex
	finished  map[string]struct{}
	suspended map[string]struct{}
}

// NewStore creates empty status store over persistence.
// Params: status persistence backend.
// Returns: store that must be loaded before first use.
func NewStore(persistence state.StatusPersistence) *Store {
	return &Store{
		persistence: persistence,
		finished:    make(map[string]struct{}),
		suspended:   make(map[string]struct{}),
	}
}

// Load replaces in-memory sets with persisted ones.
// Params: context for backend call.
// Returns: backend error.
func (s *Store) Load(ctx context.Context) error {
	finished, suspended, err := s.persistence.LoadStatus(ctx)
	if err != nil {
		return fmt.Errorf("load campaign status: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = toSet(finished)
	s.suspended = toSet(suspended)
	return nil
}

// Merge unions server-reported ids into persisted sets.
// Params: finished and suspended ids from one report response.
// Returns: persistence error; in-memory sets change only after a successful save.
func (s *Store) Merge(ctx context.Context, finished, suspended []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextFinished := union(s.finished, finished)
	nextSuspended := union(s.suspended, suspended)
	if len(nextFinished) == len(s.finished) && len(nextSuspended) == len(s.suspended) {
		return nil
	}
	if err := s.persistence.SaveStatus(ctx, sortedKeys(nextFinished), sortedKeys(nextSuspended)); err != nil {
		return fmt.Errorf("save campaign status: %w", err)
	}
	s.finished = nextFinished
	s.suspended = nextSuspended
	return nil
}

// IsActive reports whether campaign is neither finished nor suspended.
func (s *Store) IsActive(campaignID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, finished := s.finished[campaignID]
	_, suspended := s.suspended[campaignID]
	return !finished && !suspended
}

// IsFinished reports whether campaign was reported finished.
func (s *Store) IsFinished(campaignID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.finished[campaignID]
	return ok
}

// IsSuspended reports whether campaign was reported suspended.
func (s *Store) IsSuspended(campaignID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suspended[campaignID]
	return ok
}

// Snapshot returns sorted copies of both sets.
// Params: none.
// Returns: finished ids and suspended ids.
func (s *Store) Snapshot() ([]string, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.finished), sortedKeys(s.suspended)
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func union(current map[string]struct{}, ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(current)+len(ids))
	for id := range current {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
