// Package supervision is Supervision (spec §4.11): startup, graceful
// shutdown, and drain semantics for the control plane process. Grounded on
// the teacher's orchestrator/main.go signal-context + ordered-shutdown
// shape, with the parallel background loops (health checks, rediscovery,
// control event feed, bus consumption) run under golang.org/x/sync/errgroup
// instead of that file's single bare goroutine, since this core has
// several independent loops that must all be torn down together on first
// failure or on signal.
package supervision

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop is one long-running background task started under the supervisor's
// errgroup: it must return promptly once ctx is cancelled.
type Loop func(ctx context.Context) error

// Supervisor coordinates the control plane's background loops and the
// Control Surface's HTTP listener under one signal-aware lifecycle.
type Supervisor struct {
	httpServer   *http.Server
	loops        []Loop
	drainTimeout time.Duration
	onShutdown   func(ctx context.Context) error
	log          *slog.Logger
}

// New builds a Supervisor. onShutdown is invoked once the run context is
// done, after the HTTP server has shut down, for final draining of
// in-flight work (the Dispatch Engine's Shutdown) and telemetry flush. It
// runs while the loops are returning; it does not wait for them to stop.
func New(httpServer *http.Server, drainTimeout time.Duration, onShutdown func(ctx context.Context) error, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{httpServer: httpServer, drainTimeout: drainTimeout, onShutdown: onShutdown, log: log}
}

// AddLoop registers a background loop to run for the lifetime of the
// process. Must be called before Run.
func (s *Supervisor) AddLoop(l Loop) {
	s.loops = append(s.loops, l)
}

// Run starts the HTTP listener and every registered loop, and blocks until
// ctx is cancelled (by the caller's signal.NotifyContext) or any loop
// returns an error — at which point every other loop is cancelled too
// (spec §4.11: "all loops torn down together").
func (s *Supervisor) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	if s.httpServer != nil {
		group.Go(func() error {
			s.log.Info("control surface listening", "addr", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	for _, loop := range s.loops {
		loop := loop
		group.Go(func() error { return loop(gctx) })
	}

	group.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := group.Wait()
	s.log.Info("supervisor stopped", "error", err)
	return err
}

func (s *Supervisor) shutdown() error {
	s.log.Info("shutdown initiated")
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("control surface shutdown error", "error", err)
		}
	}
	if s.onShutdown != nil {
		if err := s.onShutdown(ctx); err != nil {
			s.log.Warn("drain/shutdown hook error", "error", err)
			return err
		}
	}
	s.log.Info("shutdown complete")
	return nil
}
