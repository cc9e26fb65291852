package store

import (
	"context"
	"sort"
	"sync"

	"github.com/0xmhha/usage-sentinel/pkg/ingest"
)

// memoryStore is an in-memory Store for tests and ephemeral runs.
type memoryStore struct {
	mu     sync.RWMutex
	events map[string][]ingest.Event
	totals map[string]int64
	closed bool
}

// NewMemory creates an in-memory store.
func NewMemory() Store {
	return &memoryStore{
		events: make(map[string][]ingest.Event),
		totals: make(map[string]int64),
	}
}

// WriteBatch implements Store.WriteBatch.
func (s *memoryStore) WriteBatch(ctx context.Context, sessionID string, events []ingest.Event) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.events[sessionID] = append(s.events[sessionID], events...)
	for _, ev := range events {
		s.totals[sessionID] += ev.Tokens
	}
	return nil
}

// Events implements Store.Events.
func (s *memoryStore) Events(sessionID string) ([]ingest.Event, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]ingest.Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out, nil
}

// TotalTokens implements Store.TotalTokens.
func (s *memoryStore) TotalTokens(sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.totals[sessionID], nil
}

// SessionIDs implements Store.SessionIDs.
func (s *memoryStore) SessionIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.Close.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return nil
}
