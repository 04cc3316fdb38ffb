// Package boltstore is the embedded, dependency-free alternative to
// redisstore: a statestore.Store backed by BoltDB, the same way the
// teacher's WorkflowStore persisted workflow documents. Chosen here too
// for single-binary deployments that don't want a Redis dependency.
package boltstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/statestore"
)

var bucketName = []byte("statestore")

type record struct {
	value   []byte
	expires time.Time
}

// Store wraps a *bbolt.DB, with a small in-process TTL index since BoltDB
// itself has no expiry concept; expired keys are purged lazily when Get or
// ListByPrefix reads them. There is no periodic purge.
type Store struct {
	db *bbolt.DB

	mu  sync.Mutex
	ttl map[string]time.Time
}

var _ statestore.Store = (*Store)(nil)

// Open creates/opens a BoltDB file at path and ensures the single bucket
// this adapter uses exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, ctlerr.StoreUnavailable(fmt.Errorf("open boltdb: %w", err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, ctlerr.StoreUnavailable(fmt.Errorf("create bucket: %w", err))
	}
	return &Store{db: db, ttl: make(map[string]time.Time)}, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return ctlerr.StoreUnavailable(err)
	}
	s.mu.Lock()
	if ttl > 0 {
		s.ttl[key] = time.Now().Add(ttl)
	} else {
		delete(s.ttl, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.expiredLocked(key) {
		_ = s.Delete(context.Background(), key)
		return nil, false, nil
	}
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, ctlerr.StoreUnavailable(err)
	}
	if value == nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return ctlerr.StoreUnavailable(err)
	}
	s.mu.Lock()
	delete(s.ttl, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListByPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var expired []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			key := string(k)
			if s.expiredLocked(key) {
				expired = append(expired, key)
				continue
			}
			out[key] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, ctlerr.StoreUnavailable(err)
	}
	for _, k := range expired {
		_ = s.Delete(context.Background(), k)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) expiredLocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.ttl[key]
	return ok && time.Now().After(exp)
}
