// Package statestore defines the narrow key-value interface the core uses
// for task-status documents and worker records (spec §4.1), and the
// namespacing convention (task:<id>, worker:<server_id>) shared by every
// adapter.
package statestore

import (
	"context"
	"time"
)

// Store is the external collaborator boundary spec §1 places out of scope
// for its own implementation: a string-keyed get/set/delete with optional
// TTL. The core treats it as last-writer-wins; per-task-id serialization is
// the Dispatch Engine's responsibility (spec §4.1), not the store's.
type Store interface {
	// Put writes value under key. ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListByPrefix returns all keys (and values) sharing prefix. Order is
	// unspecified (spec §4.9 ListTasks: "ordering is unspecified").
	ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	// Close releases underlying resources (connections, file handles).
	Close() error
}

// TaskKey and WorkerKey implement the keyspaces of spec §6.
func TaskKey(id string) string     { return "task:" + id }
func WorkerKey(id string) string   { return "worker:" + id }

const (
	TaskPrefix   = "task:"
	WorkerPrefix = "worker:"
)
