package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/task"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandleSchedulesRepublishOnTransientError(t *testing.T) {
	var mu sync.Mutex
	var published *task.Task
	publish := func(_ context.Context, t *task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		published = t
		return nil
	}
	failed := false
	fail := func(_ context.Context, t *task.Task) error {
		failed = true
		return nil
	}

	var scheduled *task.Task
	var released bool
	policy := task.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	c := New(policy, publish, fail,
		func(t *task.Task) { scheduled = t },
		func() { released = true },
		nil)

	tk := &task.Task{ID: "t1", Attempt: 0, State: task.StateProcessing}
	acked := false
	if err := c.Handle(context.Background(), tk, ctlerr.HandlerTransient(errors.New("boom")), func() error { acked = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Handle must return immediately, having already scheduled the retry
	// and released the concurrency slot, without waiting out the delay.
	if scheduled == nil || scheduled.State != task.StateRetryWait {
		t.Fatalf("expected retry-wait bookkeeping scheduled synchronously, got %+v", scheduled)
	}
	if !released {
		t.Fatalf("expected concurrency slot released synchronously")
	}
	if failed {
		t.Fatalf("should not have terminally failed")
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return published != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if published.Attempt != 1 || published.State != task.StatePending {
		t.Fatalf("unexpected republished task: %+v", published)
	}
	waitFor(t, time.Second, func() bool { return acked })
}

func TestHandleFailsTerminallyOnPermanentError(t *testing.T) {
	publish := func(_ context.Context, t *task.Task) error { return nil }
	var failedTask *task.Task
	fail := func(_ context.Context, t *task.Task) error {
		failedTask = t
		return nil
	}
	policy := task.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	c := New(policy, publish, fail, nil, nil, nil)

	tk := &task.Task{ID: "t1", Attempt: 0, State: task.StateProcessing}
	acked := false
	if err := c.Handle(context.Background(), tk, ctlerr.HandlerPermanent(errors.New("fatal")), func() error { acked = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failedTask == nil || failedTask.State != task.StateFailed {
		t.Fatalf("expected terminal FAILED, got %+v", failedTask)
	}
	if !acked {
		t.Fatalf("expected terminal failure to ack synchronously")
	}
}

func TestHandleFailsTerminallyWhenAttemptsExhausted(t *testing.T) {
	publish := func(_ context.Context, t *task.Task) error { return nil }
	var failedTask *task.Task
	fail := func(_ context.Context, t *task.Task) error {
		failedTask = t
		return nil
	}
	policy := task.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	c := New(policy, publish, fail, nil, nil, nil)

	tk := &task.Task{ID: "t1", Attempt: 1, State: task.StateProcessing}
	if err := c.Handle(context.Background(), tk, ctlerr.HandlerTransient(errors.New("boom")), func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failedTask == nil || failedTask.State != task.StateFailed {
		t.Fatalf("expected terminal FAILED once attempts exhausted, got %+v", failedTask)
	}
}

func TestHandleFailsAfterPublishExhausted(t *testing.T) {
	publish := func(_ context.Context, t *task.Task) error { return errors.New("bus down") }
	var mu sync.Mutex
	var failedTask *task.Task
	fail := func(_ context.Context, t *task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		failedTask = t
		return nil
	}
	policy := task.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	c := New(policy, publish, fail, nil, nil, nil)

	tk := &task.Task{ID: "t1", Attempt: 0, State: task.StateProcessing}
	if err := c.Handle(context.Background(), tk, ctlerr.HandlerTransient(errors.New("boom")), func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedTask != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if failedTask.LastError != "retry-publish-exhausted" {
		t.Fatalf("expected retry-publish-exhausted, got %+v", failedTask)
	}
}
