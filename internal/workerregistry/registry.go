// Package workerregistry is the Worker Registry (spec §4.7): tracks worker
// identity, capability, and health, fed by registration events and
// periodic RPC probes. HandleEvent applies one event; this package does not
// subscribe to a bus topic, and cmd/controlplaned wires no subscription
// that calls HandleEvent, so in the running binary workers enter the
// registry only through Rediscover. Grounded on the teacher's
// services/control-plane/main.go, which subscribed to a NATS subject and
// cross-checked state via gRPC with a dialWithRetry backoff helper; that
// shape generalizes directly to "subscribe to server-registry events,
// probe each worker's control endpoint."
package workerregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/controlplane/internal/task"
)

// Client is the per-worker RPC surface the registry calls (spec §6):
// GetServerDetails on register, CheckHealth on each probe tick,
// DiscoverServers during rediscovery.
type Client interface {
	GetServerDetails(ctx context.Context, serverID string) (task.WorkerRecord, error)
	CheckHealth(ctx context.Context, serverID string) (task.Health, error)
	DiscoverServers(ctx context.Context) ([]string, error)
}

// RegistryEvent is one {server_id, action} message off the server-registry
// topic (spec §4.7).
type RegistryEvent struct {
	ServerID string
	Action   string // "register" | "unregister"
}

// Registry holds the live worker inventory, guarded so concurrent readers
// (Capability Matcher) see a consistent snapshot while the three loops —
// registration, health check, rediscovery — run in parallel (spec §4.7).
type Registry struct {
	client Client
	log    *slog.Logger

	mu      sync.RWMutex
	workers map[string]*task.WorkerRecord
}

func New(client Client, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{client: client, log: log, workers: make(map[string]*task.WorkerRecord)}
}

// HandleEvent processes one registration event: register fetches canonical
// details via RPC and stores the record with health=HEALTHY; unregister
// removes the record immediately (spec §4.7, I7).
func (r *Registry) HandleEvent(ctx context.Context, ev RegistryEvent) {
	switch ev.Action {
	case "register":
		rec, err := r.client.GetServerDetails(ctx, ev.ServerID)
		if err != nil {
			r.log.Warn("GetServerDetails failed for registering worker", "server_id", ev.ServerID, "error", err)
			return
		}
		rec.Health = task.HealthHealthy
		rec.RegisteredAt = time.Now()
		rec.LastCheckAt = time.Now()
		r.mu.Lock()
		r.workers[ev.ServerID] = &rec
		r.mu.Unlock()
	case "unregister":
		r.mu.Lock()
		delete(r.workers, ev.ServerID)
		r.mu.Unlock()
	default:
		r.log.Warn("unrecognised registry event action", "action", ev.Action)
	}
}

// Probe runs CheckHealth for every known worker once. On success it stores
// the returned status; on error it sets UNREACHABLE (spec §4.7).
func (r *Registry) Probe(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		health, err := r.client.CheckHealth(ctx, id)
		r.mu.Lock()
		if rec, ok := r.workers[id]; ok {
			if err != nil {
				rec.Health = task.HealthUnreachable
			} else {
				rec.Health = health
			}
			rec.LastCheckAt = time.Now()
		}
		r.mu.Unlock()
	}
}

// Rediscover calls DiscoverServers and registers any server id not already
// known (spec §4.7).
func (r *Registry) Rediscover(ctx context.Context) {
	ids, err := r.client.DiscoverServers(ctx)
	if err != nil {
		r.log.Warn("DiscoverServers failed", "error", err)
		return
	}
	for _, id := range ids {
		r.mu.RLock()
		_, known := r.workers[id]
		r.mu.RUnlock()
		if !known {
			r.HandleEvent(ctx, RegistryEvent{ServerID: id, Action: "register"})
		}
	}
}

// Snapshot returns a consistent copy of every known worker record, for the
// Capability Matcher (spec §4.8) and Control Surface (spec §4.9).
func (r *Registry) Snapshot() []task.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, *rec)
	}
	return out
}

// intervalToCronSpec expresses a plain ticker interval as a robfig/cron
// @every spec, so the health-check and rediscovery cadences share the same
// scheduler machinery as the rest of this module instead of a bespoke
// time.Ticker loop.
func intervalToCronSpec(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}

// RunHealthLoop runs Probe on a cron schedule (default: every interval)
// until ctx is cancelled.
func (r *Registry) RunHealthLoop(ctx context.Context, interval time.Duration) {
	c := cron.New()
	if _, err := c.AddFunc(intervalToCronSpec(interval), func() { r.Probe(ctx) }); err != nil {
		r.log.Error("failed to schedule health-check loop", "error", err)
		return
	}
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}

// RunRediscoveryLoop runs Rediscover on a cron schedule until ctx is
// cancelled.
func (r *Registry) RunRediscoveryLoop(ctx context.Context, interval time.Duration) {
	c := cron.New()
	if _, err := c.AddFunc(intervalToCronSpec(interval), func() { r.Rediscover(ctx) }); err != nil {
		r.log.Error("failed to schedule rediscovery loop", "error", err)
		return
	}
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}
