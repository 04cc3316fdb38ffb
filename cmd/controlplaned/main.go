// Command controlplaned is the task-execution control plane process:
// wires the State Store, Bus Adapter, Worker Registry, Dispatch Engine,
// Control Surface, Control Event Feed and Supervision together per spec
// §4.11's startup order. Grounded on the teacher's
// services/orchestrator/main.go signal-context + ordered-shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/bus/natsbus"
	"github.com/swarmguard/controlplane/internal/config"
	"github.com/swarmguard/controlplane/internal/controlevents"
	"github.com/swarmguard/controlplane/internal/controlsurface"
	"github.com/swarmguard/controlplane/internal/dispatch"
	"github.com/swarmguard/controlplane/internal/handler"
	"github.com/swarmguard/controlplane/internal/platform/logging"
	"github.com/swarmguard/controlplane/internal/platform/otelinit"
	"github.com/swarmguard/controlplane/internal/platform/resilience"
	"github.com/swarmguard/controlplane/internal/registry"
	"github.com/swarmguard/controlplane/internal/retry"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/statestore/boltstore"
	"github.com/swarmguard/controlplane/internal/statestore/redisstore"
	"github.com/swarmguard/controlplane/internal/supervision"
	"github.com/swarmguard/controlplane/internal/workerregistry"
)

const (
	taskTopic = "tasks"
	cmdTopic  = "agent.commands"
)

func main() {
	service := "controlplaned"
	log := logging.Init(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, instr := otelinit.InitMetrics(ctx, service)

	cfg := config.FromEnv()

	store, closeStore := buildStore(log)
	defer closeStore()

	busA, closeBus := buildBus(log)
	defer closeBus()

	reg := registry.New()
	handlers := handler.NewRegistry()
	handlers.Register("http", handler.NewHTTPHandler())
	handlers.Register("shell", handler.NewShellHandler())
	handlers.Register("script", handler.NewScriptHandler())

	engine := dispatch.New(cfg, reg, store, busA, handlers, instr, taskTopic, log)

	rpcClient := workerregistry.NewHTTPClient(
		func(id string) string { return "http://" + id + ":8080" },
		func(id string) string { return id + ":9090" },
	)
	workers := workerregistry.New(rpcClient, log)

	sweeper := retry.NewSweeper(engine.RetryController(), reg, 5*cfg.Snapshot().AttemptTimeout, log)

	limiter := resilience.NewRateLimiter(200, 50, time.Second, 500)
	surface := controlsurface.New(cfg, engine, store, busA, workers, taskTopic, cmdTopic, limiter, log)
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			surface.WithMetricsHandler(h)
		}
	}

	feed := controlevents.New(engine, busA, cmdTopic, log)

	httpSrv := &http.Server{Addr: getenv("CONTROLPLANE_HTTP_ADDR", ":8080"), Handler: surface}

	supervisor := supervision.New(httpSrv, 30*time.Second, func(shutdownCtx context.Context) error {
		if err := engine.Shutdown(shutdownCtx, 25*time.Second); err != nil {
			log.Warn("dispatch engine drain incomplete", "error", err)
		}
		otelinit.Flush(shutdownCtx, shutdownTrace)
		_ = shutdownMetrics(shutdownCtx)
		return nil
	}, log)

	supervisor.AddLoop(func(loopCtx context.Context) error {
		return busA.Subscribe(loopCtx, taskTopic, "dispatch-engine", engine.OnMessage)
	})
	supervisor.AddLoop(func(loopCtx context.Context) error { return feed.Run(loopCtx, "control-events") })
	supervisor.AddLoop(func(loopCtx context.Context) error {
		workers.RunHealthLoop(loopCtx, cfg.Snapshot().HealthCheckInterval)
		return nil
	})
	supervisor.AddLoop(func(loopCtx context.Context) error {
		workers.RunRediscoveryLoop(loopCtx, cfg.Snapshot().DiscoveryInterval)
		return nil
	})
	supervisor.AddLoop(func(loopCtx context.Context) error {
		sweeper.Run(loopCtx, cfg.Snapshot().AttemptTimeout)
		return nil
	})

	log.Info("control plane starting", "addr", httpSrv.Addr)
	if err := supervisor.Run(ctx); err != nil {
		log.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func buildStore(log *slog.Logger) (statestore.Store, func()) {
	backend := getenv("CONTROLPLANE_STORE_BACKEND", "redis")
	switch backend {
	case "bolt":
		path := getenv("CONTROLPLANE_BOLT_PATH", "controlplane.db")
		s, err := boltstore.Open(path)
		if err != nil {
			log.Warn("bolt store open failed, exiting", "error", err)
			os.Exit(1)
		}
		return s, func() { _ = s.Close() }
	default:
		client := redis.NewClient(&redis.Options{Addr: getenv("CONTROLPLANE_REDIS_ADDR", "127.0.0.1:6379")})
		s := redisstore.New(client)
		return s, func() { _ = s.Close() }
	}
}

func buildBus(log *slog.Logger) (bus.Adapter, func()) {
	url := getenv("NATS_URL", "127.0.0.1:4222")
	a, err := natsbus.Connect(url)
	if err != nil {
		log.Warn("nats connect failed, exiting", "error", err)
		os.Exit(1)
	}
	if err := a.EnsureStream("tasks", []string{"tasks.>"}, 24*time.Hour); err != nil {
		log.Warn("ensure tasks stream failed", "error", err)
	}
	if err := a.EnsureStream("commands", []string{"agent.commands.>"}, time.Hour); err != nil {
		log.Warn("ensure commands stream failed", "error", err)
	}
	return a, func() { _ = a.Close() }
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
