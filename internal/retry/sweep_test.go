package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/controlplane/internal/task"
)

type fakeSnapshotSource struct {
	tasks []*task.Task
}

func (f *fakeSnapshotSource) Snapshot() []*task.Task { return f.tasks }

func TestSweepRecoversStaleProcessingTasks(t *testing.T) {
	var mu sync.Mutex
	var published []*task.Task
	ctl := New(task.DefaultRetryPolicy(),
		func(_ context.Context, t *task.Task) error {
			mu.Lock()
			defer mu.Unlock()
			published = append(published, t)
			return nil
		},
		func(_ context.Context, t *task.Task) error { return nil },
		nil, nil, nil,
	)

	stale := &task.Task{ID: "stale1", State: task.StateProcessing, Attempt: 0, UpdatedAt: time.Now().Add(-time.Hour)}
	fresh := &task.Task{ID: "fresh1", State: task.StateProcessing, Attempt: 0, UpdatedAt: time.Now()}
	source := &fakeSnapshotSource{tasks: []*task.Task{stale, fresh}}

	sweeper := NewSweeper(ctl, source, 5*time.Minute, nil)
	sweeper.Sweep(context.Background())

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 || published[0].ID != "stale1" {
		t.Fatalf("expected only the stale task to be recovered, got %+v", published)
	}
	if published[0].Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", published[0].Attempt)
	}
}

func TestSweepIgnoresNonProcessingTasks(t *testing.T) {
	var published []*task.Task
	ctl := New(task.DefaultRetryPolicy(),
		func(_ context.Context, t *task.Task) error { published = append(published, t); return nil },
		func(_ context.Context, t *task.Task) error { return nil },
		nil, nil, nil,
	)

	done := &task.Task{ID: "done1", State: task.StateCompleted, UpdatedAt: time.Now().Add(-time.Hour)}
	source := &fakeSnapshotSource{tasks: []*task.Task{done}}

	sweeper := NewSweeper(ctl, source, 5*time.Minute, nil)
	sweeper.Sweep(context.Background())

	time.Sleep(50 * time.Millisecond)
	if len(published) != 0 {
		t.Fatalf("expected no recovery action for a completed task, got %+v", published)
	}
}

func TestSweepIgnoresRetryWaitTasks(t *testing.T) {
	// A task already mid-backoff (scheduled by a prior Handle call) must
	// not be mistaken for an orphan and re-kicked a second time, even
	// with a long-stale UpdatedAt — retry-wait bookkeeping entries are
	// skipped outright; only PROCESSING entries are sweep candidates.
	var published []*task.Task
	ctl := New(task.DefaultRetryPolicy(),
		func(_ context.Context, t *task.Task) error { published = append(published, t); return nil },
		func(_ context.Context, t *task.Task) error { return nil },
		nil, nil, nil,
	)

	waiting := &task.Task{ID: "waiting1", State: task.StateRetryWait, Attempt: 1, UpdatedAt: time.Now().Add(-time.Hour)}
	source := &fakeSnapshotSource{tasks: []*task.Task{waiting}}

	sweeper := NewSweeper(ctl, source, 5*time.Minute, nil)
	sweeper.Sweep(context.Background())

	time.Sleep(50 * time.Millisecond)
	if len(published) != 0 {
		t.Fatalf("expected no recovery action for a retry-wait task, got %+v", published)
	}
}

func TestSweepTerminallyFailsTaskAtAttemptLimit(t *testing.T) {
	var mu sync.Mutex
	var failed []*task.Task
	policy := task.DefaultRetryPolicy()
	policy.MaxAttempts = 1
	ctl := New(policy,
		func(_ context.Context, t *task.Task) error { return nil },
		func(_ context.Context, t *task.Task) error {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, t)
			return nil
		},
		nil, nil, nil,
	)

	stale := &task.Task{ID: "stale2", State: task.StateProcessing, Attempt: 0, UpdatedAt: time.Now().Add(-time.Hour)}
	source := &fakeSnapshotSource{tasks: []*task.Task{stale}}

	sweeper := NewSweeper(ctl, source, 5*time.Minute, nil)
	sweeper.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].State != task.StateFailed {
		t.Fatalf("expected task to be terminally failed once attempt limit reached, got %+v", failed)
	}
}
