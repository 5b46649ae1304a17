// Package contextstore implements C7: TTL-bounded key/value documents
// keyed by (session_id, namespace). Documents are memory-only — they carry
// no durability guarantee across restarts (spec §3 Durability boundary).
package contextstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the document is absent or expired.
var ErrNotFound = errors.New("contextstore: not found")

type key struct {
	sessionID string
	namespace string
}

type document struct {
	payload   []byte
	expiresAt time.Time
}

// Store is a TTL map guarded by a single RWMutex. A background sweeper (driven by
// internal/cron) calls Sweep periodically to bound memory growth when
// callers stop reading expired documents.
type Store struct {
	mu   sync.RWMutex
	docs map[key]document
}

func New() *Store {
	return &Store{docs: make(map[key]document)}
}

// Upsert replaces the entire document at (sessionID, namespace) and resets
// its expiry to now + ttl. No partial merge is performed.
func (s *Store) Upsert(sessionID, namespace string, payload []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key{sessionID, namespace}] = document{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get returns the payload at (sessionID, namespace), or ErrNotFound if
// absent or expired. An expired document is never returned, even if the
// sweeper has not yet run.
func (s *Store) Get(sessionID, namespace string) ([]byte, error) {
	s.mu.RLock()
	doc, ok := s.docs[key{sessionID, namespace}]
	s.mu.RUnlock()
	if !ok || !time.Now().Before(doc.expiresAt) {
		return nil, ErrNotFound
	}
	return doc.payload, nil
}

// Delete removes the document at (sessionID, namespace), if present.
func (s *Store) Delete(sessionID, namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key{sessionID, namespace})
}

// Sweep removes every document whose expires_at is at or before now. It
// satisfies cron.ContextSweeper.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, doc := range s.docs {
		if !now.Before(doc.expiresAt) {
			delete(s.docs, k)
			removed++
		}
	}
	return removed, nil
}
