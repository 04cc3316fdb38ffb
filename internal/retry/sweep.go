package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/task"
)

// snapshotSource is the read surface the sweep needs from the Task
// Registry — just enough to find orphaned PROCESSING tasks without
// depending on the registry package directly.
type snapshotSource interface {
	Snapshot() []*task.Task
}

// Sweeper runs a periodic recovery pass over PROCESSING tasks whose
// last update predates the attempt timeout by more than a grace margin —
// the mark of a worker or engine process that crashed mid-attempt and
// never reached a terminal state or re-publish. It feeds those tasks back
// through the same Controller.Handle path as an ordinary attempt failure,
// so they either retry or terminally fail through the normal decision
// logic rather than sitting orphaned forever.
type Sweeper struct {
	controller     *Controller
	source         snapshotSource
	staleAfter     time.Duration
	log            *slog.Logger
}

func NewSweeper(controller *Controller, source snapshotSource, staleAfter time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{controller: controller, source: source, staleAfter: staleAfter, log: log}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, t := range s.source.Snapshot() {
		if t.State != task.StateProcessing {
			continue
		}
		if now.Sub(t.UpdatedAt) < s.staleAfter {
			continue
		}
		s.log.Warn("recovering orphaned processing task", "task_id", t.ID, "stalled_for", now.Sub(t.UpdatedAt))
		// No inbound bus message backs this recovery: the original
		// delivery's own ack/redelivery is governed by the broker's
		// ack-wait timeout, independent of this path.
		noopAck := func() error { return nil }
		if err := s.controller.Handle(ctx, t, ctlerr.Timeout(nil), noopAck); err != nil {
			s.log.Error("recovery sweep failed to handle stalled task", "task_id", t.ID, "error", err)
		}
	}
}

// Run schedules Sweep on a cron cadence (spec's "retry-recovery sweep
// cadence") until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	c := cron.New()
	if _, err := c.AddFunc(cronEvery(interval), func() { s.Sweep(ctx) }); err != nil {
		s.log.Error("failed to schedule recovery sweep", "error", err)
		return
	}
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}

func cronEvery(interval time.Duration) string {
	return "@every " + interval.String()
}
