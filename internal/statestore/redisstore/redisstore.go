// Package redisstore is the control plane's primary statestore.Store
// adapter, backed by go-redis. Grounded on the wider example pack's use of
// redis/go-redis for status documents with TTL (this teacher has no Redis
// client of its own; the dependency is adopted from the rest of the
// example pack, per SPEC_FULL.md's domain-stack wiring).
package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/statestore"
)

// Store adapts a *redis.Client to statestore.Store. ListByPrefix uses SCAN
// rather than KEYS to avoid blocking the server on large keyspaces.
type Store struct {
	client *redis.Client
}

var _ statestore.Store = (*Store)(nil)

// New wraps an already-connected client. Connection lifecycle (dial,
// retry, pooling) is the caller's concern; this adapter only translates
// operations and error classification.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ctlerr.StoreUnavailable(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ctlerr.StoreUnavailable(err)
	}
	return v, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return ctlerr.StoreUnavailable(err)
	}
	return nil
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, ctlerr.StoreUnavailable(err)
		}
		out[key] = v
	}
	if err := iter.Err(); err != nil {
		return nil, ctlerr.StoreUnavailable(err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
