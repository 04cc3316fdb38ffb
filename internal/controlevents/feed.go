// Package controlevents is the Control Event Feed (spec §4.10): admin
// commands (PAUSE/RESUME/STATS/CANCEL) consumed off the bus's command
// topic, applied to the local Dispatch Engine on receipt. Grounded on the
// teacher's Scheduler.TriggerEvent event-dispatch shape
// (services/orchestrator/scheduler.go): a type-keyed map of handlers,
// looked up per incoming event and invoked with the running engine as the
// acting collaborator, generalized from workflow-trigger events to this
// core's four admin commands.
package controlevents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/dispatch"
)

// command is the wire shape published by the Control Surface's
// Pause/Resume/Cancel handlers (spec §6).
type command struct {
	Command string `json:"command"`
	TaskID  string `json:"task_id,omitempty"`
}

// Feed consumes the command topic and applies PAUSE/RESUME/CANCEL to the
// local Dispatch Engine; STATS is a log-only acknowledgement since
// GetSystemStatus already answers synchronously through the Control
// Surface.
type Feed struct {
	engine   *dispatch.Engine
	busA     bus.Adapter
	cmdTopic string
	log      *slog.Logger
}

func New(engine *dispatch.Engine, busA bus.Adapter, cmdTopic string, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{engine: engine, busA: busA, cmdTopic: cmdTopic, log: log}
}

// Run subscribes to the command topic under the given consumer group until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context, group string) error {
	return f.busA.Subscribe(ctx, f.cmdTopic, group, f.onMessage)
}

func (f *Feed) onMessage(ctx context.Context, msg bus.Message, ack func() error) {
	var cmd command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		f.log.Warn("malformed control command, dropping", "error", err)
		_ = ack()
		return
	}

	switch cmd.Command {
	case "PAUSE":
		f.engine.Pause()
	case "RESUME":
		f.engine.Resume()
	case "CANCEL":
		if cmd.TaskID != "" {
			f.engine.Cancel(cmd.TaskID)
		}
	case "STATS":
		stats := f.engine.Stats()
		f.log.Info("stats snapshot requested via control feed",
			"active_tasks", stats.ActiveTasks, "queued_tasks", stats.QueuedTasks,
			"processed", stats.Processed, "failed", stats.Failed, "retries", stats.Retries)
	default:
		f.log.Warn("unrecognised control command", "command", cmd.Command)
	}
	_ = ack()
}
