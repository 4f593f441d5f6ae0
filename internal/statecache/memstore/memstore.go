// Package memstore is the default in-memory statecache.Store backend: a
// sync.RWMutex guarding a plain map, with no external dependency.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ai-designing/cadorch/internal/statecache"
)

// Store is an in-process, non-durable statecache.Store. Suitable for a
// single-process deployment or tests; state is lost on process exit.
type Store struct {
	mu      sync.RWMutex
	records map[string][]statecache.Record // sessionID -> snapshots, oldest first
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{records: make(map[string][]statecache.Record)}
}

// Put appends rec to its session's snapshot history.
func (s *Store) Put(_ context.Context, rec statecache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	return nil
}

// Latest returns the most recently written snapshot for a session.
func (s *Store) Latest(_ context.Context, sessionID string) (statecache.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[sessionID]
	if len(recs) == 0 {
		return statecache.Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// History returns up to limit snapshots, newest first.
func (s *Store) History(_ context.Context, sessionID string, limit int) ([]statecache.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[sessionID]
	out := make([]statecache.Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge removes all snapshots for a session.
func (s *Store) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}
