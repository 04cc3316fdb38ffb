package supervision

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestRunStopsAllLoopsOnContextCancel(t *testing.T) {
	srv := &http.Server{Addr: freeAddr(t), Handler: http.NewServeMux()}
	var shutdownCalled atomic.Bool
	s := New(srv, time.Second, func(ctx context.Context) error {
		shutdownCalled.Store(true)
		return nil
	}, nil)

	var loopRunning atomic.Bool
	s.AddLoop(func(ctx context.Context) error {
		loopRunning.Store(true)
		<-ctx.Done()
		loopRunning.Store(false)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !loopRunning.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, loopRunning.Load(), "expected loop to start running")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
	require.False(t, loopRunning.Load(), "expected loop to have stopped")
	require.True(t, shutdownCalled.Load(), "expected onShutdown hook to be invoked")
}

func TestRunPropagatesLoopError(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	boom := context.Canceled
	s.AddLoop(func(ctx context.Context) error { return boom })

	err := s.Run(context.Background())
	require.Error(t, err, "expected Run to surface the loop's error")
}
