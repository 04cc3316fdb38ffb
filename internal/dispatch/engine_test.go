package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/config"
	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/handler"
	"github.com/swarmguard/controlplane/internal/platform/otelinit"
	"github.com/swarmguard/controlplane/internal/registry"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/statestore/memstore"
	"github.com/swarmguard/controlplane/internal/task"
)

func testInstruments() otelinit.Instruments {
	_, _, instr := otelinit.InitMetrics(context.Background(), "dispatch-test")
	return instr
}

func newTestEngine(t *testing.T, maxConcurrent int) (*Engine, *registry.Registry, statestore.Store, *handler.Registry) {
	t.Helper()
	cfg := config.FromEnv()
	_ = cfg.Update(map[string]any{
		"max_concurrent_tasks": maxConcurrent,
		"attempt_timeout_ms":   2000,
	})
	reg := registry.New()
	store := memstore.New()
	handlers := handler.NewRegistry()
	busA := &loopbackBus{}
	e := New(cfg, reg, store, busA, handlers, testInstruments(), "tasks", nil)
	busA.e = e
	return e, reg, store, handlers
}

// loopbackBus delivers every published task straight back to the engine,
// standing in for the task-topic subscription the running process wires,
// so a retry's re-publish is executed again.
type loopbackBus struct{ e *Engine }

func (b *loopbackBus) Publish(ctx context.Context, _, key string, value []byte) error {
	b.e.OnMessage(ctx, bus.Message{Key: key, Value: value}, func() error { return nil })
	return nil
}

func (b *loopbackBus) Subscribe(context.Context, string, string, bus.Handler) error { return nil }

func (b *loopbackBus) Close() error { return nil }

func publishTask(t *testing.T, e *Engine, tk *task.Task) {
	t.Helper()
	data, err := json.Marshal(tk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	acked := false
	e.OnMessage(context.Background(), bus.Message{Key: tk.ID, Value: data}, func() error {
		acked = true
		return nil
	})
	_ = acked
}

func waitForState(t *testing.T, store statestore.Store, id string, want task.State, timeout time.Duration) *task.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, ok, err := store.Get(context.Background(), statestore.TaskKey(id))
		if err == nil && ok {
			var got task.Task
			if json.Unmarshal(v, &got) == nil && got.State == want {
				return &got
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s within %s", id, want, timeout)
	return nil
}

func TestHappyPath(t *testing.T) {
	e, _, store, handlers := newTestEngine(t, 2)
	handlers.Register("echo", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	tk := &task.Task{ID: "t1", Kind: "echo", Payload: []byte("hi"), Priority: 0, State: task.StatePending}
	publishTask(t, e, tk)

	final := waitForState(t, store, "t1", task.StateCompleted, time.Second)
	if string(final.Result) != "hi" {
		t.Fatalf("expected result hi, got %s", final.Result)
	}
	if final.Attempt != 0 {
		t.Fatalf("expected attempt 0, got %d", final.Attempt)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	e, _, store, handlers := newTestEngine(t, 2)
	var calls atomic.Int32
	handlers.Register("flaky", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		n := calls.Add(1)
		if n < 3 {
			return nil, ctlerr.HandlerTransient(errTransient)
		}
		return []byte("done"), nil
	}))

	tk := &task.Task{ID: "t2", Kind: "flaky", Priority: 0, State: task.StatePending}
	publishTask(t, e, tk)

	final := waitForState(t, store, "t2", task.StateCompleted, 5*time.Second)
	if calls.Load() != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls.Load())
	}
	if final.Attempt != 2 {
		t.Fatalf("expected final attempt 2, got %d", final.Attempt)
	}
}

func TestRetryExhaustion(t *testing.T) {
	e, _, store, handlers := newTestEngine(t, 2)
	_ = e.cfg.Update(map[string]any{"retry.max_attempts": 2})
	var calls atomic.Int32
	handlers.Register("alwaysfails", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		calls.Add(1)
		return nil, ctlerr.HandlerTransient(errTransient)
	}))

	tk := &task.Task{ID: "t3", Kind: "alwaysfails", Priority: 0, State: task.StatePending}
	publishTask(t, e, tk)

	final := waitForState(t, store, "t3", task.StateFailed, 5*time.Second)
	if calls.Load() != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls.Load())
	}
	if final.LastError == "" {
		t.Fatalf("expected last_error set on terminal failure")
	}
}

func TestConcurrencyCap(t *testing.T) {
	e, _, store, handlers := newTestEngine(t, 2)
	gate := make(chan struct{})
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	handlers.Register("blocker", handler.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		return []byte("ok"), nil
	}))

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		publishTask(t, e, &task.Task{ID: id, Kind: "blocker", Priority: 0, State: task.StatePending})
	}
	time.Sleep(200 * time.Millisecond)
	if got := maxSeen.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrently in PROCESSING, saw %d", got)
	}
	close(gate)
	for _, id := range ids {
		waitForState(t, store, id, task.StateCompleted, 2*time.Second)
	}
}

func TestCancellationMidFlight(t *testing.T) {
	e, _, store, handlers := newTestEngine(t, 2)
	started := make(chan struct{})
	handlers.Register("sleeper", handler.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctlerr.Cancelled()
		case <-time.After(10 * time.Second):
			return []byte("too slow"), nil
		}
	}))

	tk := &task.Task{ID: "t5", Kind: "sleeper", Priority: 0, State: task.StatePending}
	publishTask(t, e, tk)
	<-started
	time.Sleep(20 * time.Millisecond)
	e.Cancel("t5")

	final := waitForState(t, store, "t5", task.StateCancelled, 2*time.Second)
	if len(final.Result) != 0 {
		t.Fatalf("expected no result on cancellation, got %s", final.Result)
	}
}

func TestDuplicateSubmitIsIdempotent(t *testing.T) {
	e, reg, store, handlers := newTestEngine(t, 2)
	gate := make(chan struct{})
	var calls atomic.Int32
	handlers.Register("echo", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		calls.Add(1)
		<-gate
		return payload, nil
	}))

	tk := &task.Task{ID: "dup1", Kind: "echo", Payload: []byte("x"), State: task.StatePending}
	publishTask(t, e, tk)

	deadline := time.Now().Add(time.Second)
	for reg.Get("dup1") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	publishTask(t, e, tk) // duplicate while still in flight
	close(gate)

	waitForState(t, store, "dup1", task.StateCompleted, time.Second)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one handler invocation, got %d", calls.Load())
	}
}

var errTransient = &testError{"transient failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
