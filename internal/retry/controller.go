// Package retry is the Retry Controller (spec §4.4): given a failed
// attempt, decide whether to terminally fail the task or schedule a
// deferred re-publish with an incremented attempt count. Grounded on the
// teacher's DAGEngine.executeTask retry loop, restructured per spec from
// an in-process sleep into a timer-scheduled re-publish onto the task
// topic — the Dispatch Engine owns this controller one-way; the
// controller calls back through an injected publish function rather than
// holding a pointer back to the engine (spec §9).
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/platform/resilience"
	"github.com/swarmguard/controlplane/internal/task"
)

// Publisher re-publishes an updated task onto the task topic. Implemented
// by the Bus Adapter in production, a closure in tests.
type Publisher func(ctx context.Context, t *task.Task) error

// TerminalWriter persists a task's terminal FAILED state. Implemented by
// the State Store Adapter via the Task Registry's removal path.
type TerminalWriter func(ctx context.Context, t *task.Task) error

// Scheduler records that a retry has been durably decided and the task's
// concurrency slot may be released — called synchronously, before the
// backoff delay is waited out. Implemented by the Dispatch Engine as a
// Task Registry upsert of the task.StateRetryWait bookkeeping entry.
type Scheduler func(t *task.Task)

// Controller computes next-attempt delay and schedules re-publication, or
// declares a task terminally FAILED. Handle decides synchronously but
// performs the backoff wait and re-publish asynchronously, so a failed
// attempt's concurrency slot is held only for the decision itself, never
// for the idle backoff window (spec §5's "bounded concurrent handler
// execution", not idle sleeps).
type Controller struct {
	policy  task.RetryPolicy
	publish Publisher
	fail    TerminalWriter
	schedule Scheduler
	release func()
	log     *slog.Logger
}

func New(policy task.RetryPolicy, publish Publisher, fail TerminalWriter, schedule Scheduler, release func(), log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if schedule == nil {
		schedule = func(*task.Task) {}
	}
	if release == nil {
		release = func() {}
	}
	return &Controller{policy: policy, publish: publish, fail: fail, schedule: schedule, release: release, log: log}
}

// Handle implements spec §4.4: given (task, error), either emits a
// terminal Fail or schedules a deferred re-publish with attempt
// incremented and last_error annotated.
//
// The terminal branch is synchronous: Handle returns once the terminal
// write has completed (or failed, in which case the caller must leave the
// task active and not ack, matching the rest of the engine's "leave
// active, loud alert" failure handling). The retry branch is synchronous
// only up through recording the task.StateRetryWait bookkeeping entry and
// releasing the concurrency slot (c.schedule/c.release); the backoff wait
// and the actual re-publish run on a detached goroutine, which acks once
// the re-publish (or, if publish is exhausted, the resulting terminal
// write) has durably landed. ack must be safe to call from that goroutine.
func (c *Controller) Handle(ctx context.Context, t *task.Task, cause error, ack func() error) error {
	classified, ok := ctlerr.As(cause)
	terminal := !ok || !classified.Transient()

	if t.Attempt+1 >= c.policy.MaxAttempts || terminal {
		if err := c.terminalFail(ctx, t, cause); err != nil {
			return err // terminal write failed: leave active, no ack, no slot release
		}
		c.release()
		_ = ack()
		return nil
	}

	delay := c.policy.DelayForAttempt(t.Attempt + 1)
	next := t.Clone()
	next.Attempt++
	next.State = task.StateRetryWait
	next.LastError = cause.Error()
	next.UpdatedAt = time.Now()

	c.schedule(next)
	c.release()

	go c.awaitAndRepublish(ctx, next, delay, ack)
	return nil
}

// awaitAndRepublish waits out the backoff delay, then re-publishes next
// onto the task topic (falling back to a terminal write if the publish
// itself is exhausted), acking only once that outcome is durable.
func (c *Controller) awaitAndRepublish(ctx context.Context, next *task.Task, delay time.Duration, ack func() error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Engine shutting down: leave the RETRY_WAIT bookkeeping entry and
		// the original message unacked; a fresh process picks this up via
		// ordinary bus redelivery.
		return
	case <-timer.C:
	}

	toPublish := next.Clone()
	toPublish.State = task.StatePending
	_, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.publish(ctx, toPublish)
	})
	if err != nil {
		c.log.Error("retry re-publish exhausted", "task_id", next.ID, "attempt", next.Attempt, "error", err)
		if ferr := c.terminalFail(ctx, next, errRetryPublishExhausted{cause: err}); ferr != nil {
			c.log.Error("terminal write after exhausted retry-publish failed", "task_id", next.ID, "error", ferr)
			return // leave active, no ack
		}
	}
	_ = ack()
}

type errRetryPublishExhausted struct{ cause error }

func (e errRetryPublishExhausted) Error() string { return "retry-publish-exhausted" }
func (e errRetryPublishExhausted) Unwrap() error { return e.cause }

func (c *Controller) terminalFail(ctx context.Context, t *task.Task, cause error) error {
	final := t.Clone()
	final.State = task.StateFailed
	final.LastError = cause.Error()
	final.UpdatedAt = time.Now()
	return c.fail(ctx, final)
}
