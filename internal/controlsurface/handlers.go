package controlsurface

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swarmguard/controlplane/internal/capability"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/task"
)

// handleSubmit implements Submit (spec §6): assigns an id if absent, writes
// PENDING to the state store, publishes to the task topic keyed by id, and
// returns {id, state}. Rate-limited ahead of the Dispatch Engine's own
// waiting list (spec §9 design note on load shedding).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "malformed task payload")
		return
	}
	if t.ID == "" {
		t.ID = newID()
	}
	t.State = task.StatePending
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()

	data, err := json.Marshal(&t)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed task payload")
		return
	}
	if err := s.store.Put(r.Context(), statestore.TaskKey(t.ID), data, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	if err := s.busA.Publish(r.Context(), s.taskTopic, t.ID, data); err != nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": t.ID, "state": t.State})
}

// handleCancel implements Cancel (spec §6): idempotent, always returns
// success — the net effect is either CANCELLED or a no-op for an
// already-terminal task. Mirrors handlePause/handleResume by publishing a
// control command (carrying the task id as the payload's task_id field) so every
// Dispatch Engine instance observes the cancellation (spec §5), not just the
// one that happened to receive this HTTP request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.publishCancelCommand(r, id)
	s.engine.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "cancellation requested"})
}

// handleGetTaskStatus implements GetTaskStatus (spec §6): reads the state
// store, returns the document or NotFound.
func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, ok, err := s.store.Get(r.Context(), statestore.TaskKey(id))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleListTasks implements ListTasks (spec §6): streams matching
// documents as newline-delimited JSON; ordering is unspecified.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.ListByPrefix(r.Context(), statestore.TaskPrefix)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	kindFilter := r.URL.Query().Get("kind")
	stateFilter := r.URL.Query().Get("state")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, data := range all {
		var t task.Task
		if json.Unmarshal(data, &t) != nil {
			continue
		}
		if kindFilter != "" && t.Kind != kindFilter {
			continue
		}
		if stateFilter != "" && string(t.State) != stateFilter {
			continue
		}
		_ = json.NewEncoder(w).Encode(&t)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handlePause implements Pause (spec §6): publishes a control command; the
// local engine (and any peer instances consuming the same command topic)
// apply on receipt.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.publishCommand(r, "PAUSE")
	s.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "paused"})
}

// handleResume implements Resume (spec §6).
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.publishCommand(r, "RESUME")
	s.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "resumed"})
}

func (s *Server) publishCommand(r *http.Request, command string) {
	payload, _ := json.Marshal(map[string]string{"command": command})
	if err := s.busA.Publish(r.Context(), s.cmdTopic, command, payload); err != nil {
		s.log.Warn("failed to publish control command", "command", command, "error", err)
	}
}

// publishCancelCommand publishes the CANCEL intent keyed by task id, so
// internal/controlevents.Feed's CANCEL case (which requires a non-empty
// task_id) can apply it on every Dispatch Engine instance subscribed to
// s.cmdTopic — not only the instance that received this request.
func (s *Server) publishCancelCommand(r *http.Request, taskID string) {
	payload, _ := json.Marshal(map[string]string{"command": "CANCEL", "task_id": taskID})
	if err := s.busA.Publish(r.Context(), s.cmdTopic, taskID, payload); err != nil {
		s.log.Warn("failed to publish cancel command", "task_id", taskID, "error", err)
	}
}

// handleGetSystemStatus implements GetSystemStatus (spec §6).
func (s *Server) handleGetSystemStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"is_running":   !stats.Paused,
		"active_tasks": stats.ActiveTasks,
		"queued_tasks": stats.QueuedTasks,
		"stats": map[string]int64{
			"processed": stats.Processed,
			"failed":    stats.Failed,
			"retries":   stats.Retries,
		},
	})
}

// handleUpdateConfig implements UpdateConfig (spec §6): merges recognised
// keys; unknown keys are rejected with ConfigInvalid and no side effects.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed config payload")
		return
	}
	if err := s.cfg.Update(changes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "configuration updated"})
}

// handleGetMetrics implements GetMetrics (spec §6) as a point-in-time
// snapshot rendered as a one-item stream — metrics export proper runs
// through the OpenTelemetry OTLP exporter (internal/platform/otelinit);
// this endpoint surfaces the same counters GetSystemStatus does for a
// metrics-shaped client.
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	now := time.Now()
	points := []map[string]any{
		{"name": "tasks_processed", "value": stats.Processed, "timestamp": now},
		{"name": "tasks_failed", "value": stats.Failed, "timestamp": now},
		{"name": "tasks_retried", "value": stats.Retries, "timestamp": now},
		{"name": "active_tasks", "value": stats.ActiveTasks, "timestamp": now},
		{"name": "queued_tasks", "value": stats.QueuedTasks, "timestamp": now},
	}
	for _, p := range points {
		_ = json.NewEncoder(w).Encode(p)
	}
}

// handleGetLogs implements GetLogs (spec §6). Structured log backends are
// out of this core's scope (spec §1); this endpoint reports that plainly
// rather than faking a log stream.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "log retrieval is served by the logging backend, not the control plane core")
}

// handleCheckHealth implements CheckHealth (spec §6) for this control
// plane instance's own liveness, answering the same shape the Worker
// Registry's RPC client expects from a worker's control endpoint.
func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	status := "healthy"
	if stats.Paused {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"metrics": map[string]int64{
			"active_tasks": int64(stats.ActiveTasks),
			"queued_tasks": int64(stats.QueuedTasks),
		},
	})
}

// handleGetServerDetails implements GetServerDetails (spec §6) for this
// instance's own identity, mirroring the shape the Worker Registry fetches
// from each worker on registration.
func (s *Server) handleGetServerDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, task.WorkerRecord{
		Capabilities: []string{"dispatch"},
		Health:       task.HealthHealthy,
	})
}

// handleDiscoverWorkers implements DiscoverWorkers (spec §4.8/§6): delegates
// to the Capability Matcher over the Worker Registry's current snapshot.
func (s *Server) handleDiscoverWorkers(w http.ResponseWriter, r *http.Request) {
	required := r.URL.Query()["capability"]
	matches := capability.Match(s.workers.Snapshot(), required)
	writeJSON(w, http.StatusOK, map[string]any{"servers": matches})
}

// handleDiscoverServers implements DiscoverServers (spec §6): the control
// plane's own peer-discovery surface, answered with the currently-known
// worker ids — the same endpoint shape workerregistry.HTTPClient calls
// against each worker's control endpoint.
func (s *Server) handleDiscoverServers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.workers.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for _, rec := range snapshot {
		ids = append(ids, rec.ServerID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": ids})
}
