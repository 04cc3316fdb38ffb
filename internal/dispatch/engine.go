// Package dispatch is the Dispatch Engine (spec §4.5) — admission,
// concurrency gate, and per-task lifecycle execution. Grounded on the
// teacher's DAGEngine.executeDAG worker-pool loop, restructured around the
// admission algorithm and state machine spec §4.5 names exactly (no
// back-edges out of terminal states, offset commit deferred to a terminal
// per-attempt decision).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/config"
	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/handler"
	"github.com/swarmguard/controlplane/internal/platform/otelinit"
	"github.com/swarmguard/controlplane/internal/registry"
	"github.com/swarmguard/controlplane/internal/retry"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/task"
)

// Stats answers GetSystemStatus (spec §4.9): counters are process-wide
// atomics owned by the engine, read lock-free (spec §9 design note).
type Stats struct {
	Paused      bool
	ActiveTasks int
	QueuedTasks int
	Processed   int64
	Failed      int64
	Retries     int64
}

// Engine is the concurrency-bounded executor driving task lifecycles.
type Engine struct {
	cfg       *config.Config
	reg       *registry.Registry
	store     statestore.Store
	busA      bus.Adapter
	handlers  *handler.Registry
	retryCtl  *retry.Controller
	instr     otelinit.Instruments
	taskTopic string
	log       *slog.Logger

	mu            sync.Mutex
	activeCancels map[string]context.CancelFunc
	cancelledIDs  map[string]struct{}
	waiting       *waitlist
	activeCount   int
	paused        bool
	shuttingDown  bool

	processed atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64

	inFlight sync.WaitGroup
}

// New wires an Engine. taskTopic is the bus topic Submit/retry re-publish
// onto (spec §6: the task topic).
func New(cfg *config.Config, reg *registry.Registry, store statestore.Store, busA bus.Adapter, handlers *handler.Registry, instr otelinit.Instruments, taskTopic string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:           cfg,
		reg:           reg,
		store:         store,
		busA:          busA,
		handlers:      handlers,
		instr:         instr,
		taskTopic:     taskTopic,
		log:           log,
		activeCancels: make(map[string]context.CancelFunc),
		cancelledIDs:  make(map[string]struct{}),
		waiting:       newWaitlist(),
	}
	e.paused = cfg.Snapshot().Paused
	e.retryCtl = retry.New(cfg.Snapshot().Retry, e.republish, e.terminalFail, e.scheduleRetryWait, e.releaseRetrySlot, log)
	return e
}

// scheduleRetryWait upserts the retry-wait bookkeeping entry (spec's
// recovery-sweep cadence needs this to distinguish "retrying on schedule"
// from "orphaned mid-attempt") without waiting out the backoff delay.
func (e *Engine) scheduleRetryWait(t *task.Task) {
	e.reg.Upsert(t)
}

// releaseRetrySlot frees the concurrency slot a failed attempt held, as
// soon as the retry decision is durably recorded — not after the backoff
// delay elapses.
func (e *Engine) releaseRetrySlot() {
	e.releaseSlot(context.Background())
}

func (e *Engine) republish(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	e.retries.Add(1)
	e.instr.TasksRetried.Add(ctx, 1)
	return e.busA.Publish(ctx, e.taskTopic, t.ID, data)
}

func (e *Engine) terminalFail(ctx context.Context, t *task.Task) error {
	if err := e.persist(ctx, t); err != nil {
		e.log.Error("terminal write failed, leaving task active and alerting", "task_id", t.ID, "error", err)
		return err
	}
	e.reg.Remove(t.ID)
	e.failed.Add(1)
	e.instr.TasksFailed.Add(ctx, 1)
	return nil
}

func (e *Engine) persist(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = retryWrite(ctx, func() error {
		return e.store.Put(ctx, statestore.TaskKey(t.ID), data, 0)
	})
	if err != nil {
		return ctlerr.StoreUnavailable(err)
	}
	return nil
}

// retryWrite implements spec §4.5's "retry the write up to 3 times with
// small backoff" for terminal-transition state-store writes.
func retryWrite(ctx context.Context, fn func() error) (struct{}, error) {
	var lastErr error
	delay := 20 * time.Millisecond
	for i := 0; i < 3; i++ {
		if err := fn(); err == nil {
			return struct{}{}, nil
		} else {
			lastErr = err
		}
		if i < 2 {
			select {
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return struct{}{}, lastErr
}

// OnMessage implements the spec §4.5 admission algorithm for one bus
// delivery. ack commits the inbound offset; OnMessage calls it at the
// point the spec names, never before.
func (e *Engine) OnMessage(ctx context.Context, msg bus.Message, ack func() error) {
	var t task.Task
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		e.log.Warn("malformed task message, committing and recording terminal failure", "error", err)
		malformed := &task.Task{ID: msg.Key, State: task.StateFailed, LastError: "malformed", UpdatedAt: time.Now()}
		if malformed.ID != "" {
			_ = e.persist(ctx, malformed)
		}
		_ = ack()
		return
	}

	e.mu.Lock()
	if existing := e.reg.Get(t.ID); existing != nil && existing.State != task.StateRetryWait {
		e.mu.Unlock()
		_ = ack() // duplicate delivery: commit, do nothing (I5/P5 idempotence)
		return
	}
	if _, cancelled := e.cancelledIDs[t.ID]; cancelled {
		delete(e.cancelledIDs, t.ID)
		e.mu.Unlock()
		final := t.Clone()
		final.State = task.StateCancelled
		_ = e.persist(ctx, final)
		_ = ack()
		return
	}
	if e.shuttingDown {
		e.mu.Unlock()
		return // don't admit new work during drain; don't ack either
	}
	if e.paused {
		e.mu.Unlock()
		return // spec §4.5 step 3: don't commit, bus redelivery retries on resume
	}
	if e.activeCount >= e.cfg.Snapshot().MaxConcurrentTasks {
		e.waiting.push(&t, ack)
		e.mu.Unlock()
		return // don't commit until the task leaves PROCESSING
	}
	e.activeCount++
	e.mu.Unlock()

	e.admit(ctx, &t, ack)
}

func (e *Engine) admit(ctx context.Context, t *task.Task, ack func() error) {
	t.State = task.StateAssigned
	t.UpdatedAt = time.Now()
	if err := e.persist(ctx, t); err != nil {
		e.log.Error("state store write failed for ASSIGNED, task will be redelivered", "task_id", t.ID, "error", err)
		e.releaseSlot(ctx)
		return // non-terminal write failure: don't ack, bus redelivers (spec §4.5 failure semantics)
	}
	e.reg.Upsert(t)
	e.inFlight.Add(1)
	go e.execute(ctx, t, ack)
}

func (e *Engine) execute(parent context.Context, t *task.Task, ack func() error) {
	defer e.inFlight.Done()

	t.State = task.StateProcessing
	t.UpdatedAt = time.Now()
	if err := e.persist(parent, t); err != nil {
		e.log.Error("state store write failed for PROCESSING, task will be redelivered", "task_id", t.ID, "error", err)
		e.reg.Remove(t.ID)
		e.releaseSlot(parent)
		return
	}
	e.reg.Upsert(t)

	attemptCtx, cancel := context.WithTimeout(parent, e.cfg.Snapshot().AttemptTimeout)
	e.mu.Lock()
	if _, cancelled := e.cancelledIDs[t.ID]; cancelled {
		e.mu.Unlock()
		cancel()
		e.finishCancelled(parent, t, ack)
		return
	}
	e.activeCancels[t.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.activeCancels, t.ID)
		e.mu.Unlock()
		cancel()
	}()

	h, err := e.handlers.Lookup(t.Kind)
	if err != nil {
		e.finishError(parent, t, ack, err)
		return
	}

	result, err := h.Execute(attemptCtx, t.Payload)
	if attemptCtx.Err() != nil {
		e.mu.Lock()
		_, wasCancelled := e.cancelledIDs[t.ID]
		e.mu.Unlock()
		if wasCancelled {
			e.finishCancelled(parent, t, ack)
			return
		}
		e.finishError(parent, t, ack, ctlerr.Timeout(attemptCtx.Err()))
		return
	}
	if err != nil {
		e.finishError(parent, t, ack, err)
		return
	}

	t.State = task.StateCompleted
	t.Result = result
	t.UpdatedAt = time.Now()
	if perr := e.persist(parent, t); perr != nil {
		e.log.Error("terminal COMPLETED write failed, leaving task active", "task_id", t.ID, "error", perr)
		return // don't ack; don't release; matches "leave in active set, loud alert"
	}
	e.reg.Remove(t.ID)
	e.processed.Add(1)
	e.instr.TasksProcessed.Add(parent, 1)
	_ = ack()
	e.releaseSlot(parent)
}

// finishError hands a failed attempt to a Retry Controller built from the
// current retry policy (so UpdateConfig's retry.* keys apply to the next
// failure), which decides synchronously between terminal failure and a
// scheduled retry. Either branch owns its own ack/slot-release timing (see
// retry.Controller.Handle); finishError itself no longer blocks on the
// outcome, so execute()'s goroutine (and the inFlight WaitGroup it
// decrements) isn't held for the retry backoff window.
func (e *Engine) finishError(ctx context.Context, t *task.Task, ack func() error, cause error) {
	ctl := retry.New(e.cfg.Snapshot().Retry, e.republish, e.terminalFail, e.scheduleRetryWait, e.releaseRetrySlot, e.log)
	if err := ctl.Handle(ctx, t, cause, ack); err != nil {
		e.log.Error("retry controller handling failed, leaving task active", "task_id", t.ID, "error", err)
	}
}

func (e *Engine) finishCancelled(ctx context.Context, t *task.Task, ack func() error) {
	e.mu.Lock()
	delete(e.cancelledIDs, t.ID)
	e.mu.Unlock()
	final := t.Clone()
	final.State = task.StateCancelled
	final.UpdatedAt = time.Now()
	if err := e.persist(ctx, final); err != nil {
		e.log.Error("terminal CANCELLED write failed, leaving task active", "task_id", t.ID, "error", err)
		return
	}
	e.reg.Remove(t.ID)
	_ = ack()
	e.releaseSlot(ctx)
}

// releaseSlot frees one concurrency slot a finished task held, then admits
// from the waiting list while capacity remains.
func (e *Engine) releaseSlot(ctx context.Context) {
	e.mu.Lock()
	e.activeCount--
	e.mu.Unlock()
	e.fillCapacity(ctx)
}

// fillCapacity admits queued tasks while capacity remains, draining the
// waiting list in (priority desc, enqueue-time asc, id) order. Unlike
// releaseSlot it does not assume a slot was just freed — Resume calls this
// directly after lifting Pause.
func (e *Engine) fillCapacity(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.shuttingDown || e.paused || e.activeCount >= e.cfg.Snapshot().MaxConcurrentTasks {
			e.mu.Unlock()
			return
		}
		item, ok := e.waiting.pop()
		if !ok {
			e.mu.Unlock()
			return
		}
		if _, cancelled := e.cancelledIDs[item.task.ID]; cancelled {
			delete(e.cancelledIDs, item.task.ID)
			e.mu.Unlock()
			final := item.task.Clone()
			final.State = task.StateCancelled
			_ = e.persist(ctx, final)
			_ = item.ack()
			continue // didn't consume a slot; keep draining
		}
		e.activeCount++
		e.mu.Unlock()
		e.admit(ctx, item.task, item.ack)
	}
}

// Cancel implements spec §4.5/§5 cancellation: idempotent, applies whether
// the task is waiting, in flight, or already gone.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	if cancel, ok := e.activeCancels[id]; ok {
		e.cancelledIDs[id] = struct{}{}
		e.mu.Unlock()
		cancel()
		return
	}
	if item, ok := e.waiting.removeByID(id); ok {
		e.mu.Unlock()
		final := item.task.Clone()
		final.State = task.StateCancelled
		_ = e.persist(context.Background(), final)
		_ = item.ack()
		return
	}
	e.cancelledIDs[id] = struct{}{}
	e.mu.Unlock()
}

// Pause gates admission only; in-flight tasks continue (spec §4.5).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume re-enables admission and drains the waiting list up to capacity.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.fillCapacity(context.Background())
}

// Shutdown stops admission and awaits the active set draining to zero, or
// drainTimeout elapsing first (spec §4.11): remaining active tasks are
// abandoned with offsets uncommitted, to be redelivered.
func (e *Engine) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	e.mu.Lock()
	e.shuttingDown = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Errorf("drain timeout exceeded with %d tasks still active", e.activeCount)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats answers GetSystemStatus (spec §4.9).
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	active := e.activeCount
	queued := e.waiting.len()
	paused := e.paused
	e.mu.Unlock()
	return Stats{
		Paused:      paused,
		ActiveTasks: active,
		QueuedTasks: queued,
		Processed:   e.processed.Load(),
		Failed:      e.failed.Load(),
		Retries:     e.retries.Load(),
	}
}

// RetryController exposes the engine's retry controller to the recovery
// sweeper (spec's retry-recovery sweep cadence), which needs it to push
// orphaned PROCESSING tasks back through the same retry-vs-terminal
// decision an ordinary attempt failure takes. Its retry policy is the one
// configured when the engine was built.
func (e *Engine) RetryController() *retry.Controller { return e.retryCtl }
