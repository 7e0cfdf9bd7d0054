package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	blob      []byte
	expiresAt time.Time
}

// InMemoryStore keeps everything in process memory. Used for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	ttl     time.Duration
	states  map[string]memEntry
	turns   map[string]memEntry
	archive map[string]CallRecord
}

// Compile-time checks.
var (
	_ Store  = (*InMemoryStore)(nil)
	_ Purger = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := buildOpts(opts)
	return &InMemoryStore{
		now:     cfg.Now,
		ttl:     cfg.LedgerTTL,
		states:  make(map[string]memEntry),
		turns:   make(map[string]memEntry),
		archive: make(map[string]CallRecord),
	}
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func (s *InMemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *InMemoryStore) GetState(_ context.Context, sessionID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.states[sessionID]
	if !ok || !e.live(s.now()) {
		return nil, false, nil
	}
	return slices.Clone(e.blob), true, nil
}

func (s *InMemoryStore) PutState(_ context.Context, sessionID string, blob []byte, ttl time.Duration) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.states[sessionID] = memEntry{blob: slices.Clone(blob), expiresAt: s.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) DeleteState(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.states, sessionID)
	s.mu.Unlock()
	return nil
}

func ledgerKey(sessionID, turnKey string) string {
	return sessionID + "\x00" + turnKey
}

func (s *InMemoryStore) LookupTurn(_ context.Context, sessionID, turnKey string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.turns[ledgerKey(sessionID, turnKey)]
	if !ok || !e.live(s.now()) {
		return nil, false, nil
	}
	return slices.Clone(e.blob), true, nil
}

func (s *InMemoryStore) RecordTurn(_ context.Context, sessionID, turnKey string, response []byte) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	k := ledgerKey(sessionID, turnKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.turns[k]; ok && e.live(s.now()) {
		return nil
	}
	s.turns[k] = memEntry{blob: slices.Clone(response), expiresAt: s.deadline(s.ttl)}
	return nil
}

func (s *InMemoryStore) ArchiveCall(_ context.Context, rec CallRecord) error {
	if err := requireSession(rec.SessionID); err != nil {
		return err
	}
	rec.State = slices.Clone(rec.State)
	s.mu.Lock()
	s.archive[rec.SessionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) GetCall(_ context.Context, sessionID string) (CallRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.archive[sessionID]
	rec.State = slices.Clone(rec.State)
	return rec, ok, nil
}

// PurgeExpired drops expired states and ledger entries.
func (s *InMemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now()
	var n int64
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.states {
		if !e.live(now) {
			delete(s.states, k)
			n++
		}
	}
	for k, e := range s.turns {
		if !e.live(now) {
			delete(s.turns, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
