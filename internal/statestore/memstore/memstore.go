// Package memstore is an in-process Store double used by tests that don't
// need Redis or BoltDB, mirroring the teacher's in-memory caches layered in
// front of its durable stores.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/controlplane/internal/statestore"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Store is a mutex-guarded map satisfying statestore.Store entirely in
// memory. Nothing here survives a process restart.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
}

var _ statestore.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) ListByPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make(map[string][]byte)
	for k, e := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		out[k] = append([]byte(nil), e.value...)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
