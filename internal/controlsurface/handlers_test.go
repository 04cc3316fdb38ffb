package controlsurface

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/bus/membus"
	"github.com/swarmguard/controlplane/internal/config"
	"github.com/swarmguard/controlplane/internal/dispatch"
	"github.com/swarmguard/controlplane/internal/handler"
	"github.com/swarmguard/controlplane/internal/platform/otelinit"
	"github.com/swarmguard/controlplane/internal/platform/resilience"
	"github.com/swarmguard/controlplane/internal/registry"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/statestore/memstore"
	"github.com/swarmguard/controlplane/internal/task"
	"github.com/swarmguard/controlplane/internal/workerregistry"
)

type noopRPC struct{}

func (noopRPC) GetServerDetails(context.Context, string) (task.WorkerRecord, error) {
	return task.WorkerRecord{}, nil
}
func (noopRPC) CheckHealth(context.Context, string) (task.Health, error) {
	return task.HealthHealthy, nil
}
func (noopRPC) DiscoverServers(context.Context) ([]string, error) { return nil, nil }

func newTestServer(t *testing.T) (*Server, statestore.Store) {
	t.Helper()
	cfg := config.FromEnv()
	reg := registry.New()
	store := memstore.New()
	busA := membus.New()
	handlers := handler.NewRegistry()
	_, _, instr := otelinit.InitMetrics(context.Background(), "controlsurface-test")
	engine := dispatch.New(cfg, reg, store, busA, handlers, instr, "tasks", slog.Default())
	workers := workerregistry.New(noopRPC{}, slog.Default())
	limiter := resilience.NewRateLimiter(100, 100, 0, 0)
	return New(cfg, engine, store, busA, workers, "tasks", "agent.commands", limiter, slog.Default()), store
}

func TestHandleSubmitPersistsPendingTask(t *testing.T) {
	s, store := newTestServer(t)
	body := strings.NewReader(`{"id":"sub1","kind":"echo","priority":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	data, ok, err := store.Get(context.Background(), statestore.TaskKey("sub1"))
	if err != nil || !ok {
		t.Fatalf("expected task persisted, ok=%v err=%v", ok, err)
	}
	var tk task.Task
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tk.State != task.StatePending {
		t.Fatalf("expected PENDING, got %s", tk.State)
	}
}

func TestHandleSubmitAssignsIDWhenAbsent(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"kind":"echo"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["id"] == "" || resp["id"] == nil {
		t.Fatalf("expected an assigned id, got %v", resp)
	}
}

func TestHandleGetTaskStatusNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCancelIsIdempotentForUnknownTask(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/ghost/cancel", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleCancelPublishesCommandForOtherInstances(t *testing.T) {
	s, _ := newTestServer(t)

	received := make(chan string, 1)
	err := s.busA.Subscribe(context.Background(), "agent.commands", "test-group",
		func(_ context.Context, msg bus.Message, ack func() error) {
			var cmd struct {
				Command string `json:"command"`
				TaskID  string `json:"task_id"`
			}
			_ = json.Unmarshal(msg.Value, &cmd)
			if cmd.Command == "CANCEL" {
				received <- cmd.TaskID
			}
			_ = ack()
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/task-9/cancel", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case id := <-received:
		if id != "task-9" {
			t.Fatalf("expected cancel command keyed by task id task-9, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected CANCEL command published to agent.commands, got none")
	}
}

func TestHandleUpdateConfigRejectsUnknownKey(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"not_a_real_key": 1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/config", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown config key, got %d", rec.Code)
	}
}

func TestHandleUpdateConfigAppliesRecognisedKeys(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"max_concurrent_tasks": 5}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/config", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetSystemStatusReportsStats(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/system/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["active_tasks"]; !ok {
		t.Fatalf("expected active_tasks in response, got %v", resp)
	}
}

func TestHandlePauseThenResume(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/control/pause", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for pause, got %d", rec.Code)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/system/status", nil)
	statusRec := httptest.NewRecorder()
	s.ServeHTTP(statusRec, statusReq)
	var status map[string]any
	_ = json.Unmarshal(statusRec.Body.Bytes(), &status)
	if status["is_running"] != false {
		t.Fatalf("expected is_running=false after pause, got %v", status)
	}

	resumeReq := httptest.NewRequest(http.MethodPost, "/v1/control/resume", nil)
	resumeRec := httptest.NewRecorder()
	s.ServeHTTP(resumeRec, resumeReq)
	if resumeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for resume, got %d", resumeRec.Code)
	}
}

func TestHandleDiscoverWorkersEmptyRegistry(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/workers?capability=gpu", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	servers, _ := resp["servers"].([]any)
	if len(servers) != 0 {
		t.Fatalf("expected no workers registered, got %v", servers)
	}
}
