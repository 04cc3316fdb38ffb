package workerregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/swarmguard/controlplane/internal/task"
)

// HTTPClient is the production Client. Liveness is checked over the
// standard gRPC health-checking protocol (dialed with the teacher's
// dialWithRetry backoff shape from services/control-plane/main.go);
// GetServerDetails/DiscoverServers use plain HTTP/JSON control endpoints,
// matching that file's own "control-plane talks HTTP to peers, gRPC to the
// thing with a real service contract" split. Every outbound call — gRPC
// dial included — is wrapped in its own per-worker gobreaker.CircuitBreaker,
// a different concern from the Bus Adapter's own resilience.CircuitBreaker
// (internal, broker-facing): this one isolates one misbehaving external
// worker from the health-check and rediscovery loops without tripping for
// every other worker.
type HTTPClient struct {
	httpClient *http.Client
	controlURL func(serverID string) string
	grpcAddr   func(serverID string) string

	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	grpcConns   map[string]*grpc.ClientConn
}

// NewHTTPClient builds a Client. controlURL resolves a worker's HTTP control
// endpoint (e.g. "http://"+id+":8080"); grpcAddr resolves its gRPC health
// endpoint (e.g. id+":9090").
func NewHTTPClient(controlURL func(serverID string) string, grpcAddr func(serverID string) string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		controlURL: controlURL,
		grpcAddr:   grpcAddr,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		grpcConns:  make(map[string]*grpc.ClientConn),
	}
}

func (c *HTTPClient) breakerFor(serverID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[serverID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-rpc-" + serverID,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[serverID] = cb
	return cb
}

// dialWithRetry mirrors services/control-plane/main.go's connection helper:
// exponential backoff doubling the base delay per attempt, capped at 8x,
// using a bounded per-attempt dial timeout.
func dialWithRetry(ctx context.Context, addr string, maxAttempts int, baseDelay time.Duration) (*grpc.ClientConn, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := grpc.DialContext(dialCtx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		sleep := baseDelay * (1 << (attempt - 1))
		if sleep > 8*baseDelay {
			sleep = 8 * baseDelay
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func (c *HTTPClient) grpcConnFor(ctx context.Context, serverID string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if conn, ok := c.grpcConns[serverID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := dialWithRetry(ctx, c.grpcAddr(serverID), 3, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.grpcConns[serverID] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *HTTPClient) httpCall(ctx context.Context, serverID, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL(serverID)+path, reqBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker %s: %s returned %d", serverID, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) GetServerDetails(ctx context.Context, serverID string) (task.WorkerRecord, error) {
	var rec task.WorkerRecord
	cb := c.breakerFor(serverID)
	_, err := cb.Execute(func() (any, error) {
		return nil, c.httpCall(ctx, serverID, "/v1/server-details", nil, &rec)
	})
	rec.ServerID = serverID
	return rec, err
}

// CheckHealth calls the standard gRPC health-checking protocol
// (grpc.health.v1.Health/Check) against the worker's gRPC endpoint.
func (c *HTTPClient) CheckHealth(ctx context.Context, serverID string) (task.Health, error) {
	cb := c.breakerFor(serverID)
	result, err := cb.Execute(func() (any, error) {
		conn, err := c.grpcConnFor(ctx, serverID)
		if err != nil {
			return nil, err
		}
		client := healthpb.NewHealthClient(conn)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return nil, err
		}
		return resp.GetStatus(), nil
	})
	if err != nil {
		return task.HealthUnreachable, err
	}
	if result.(healthpb.HealthCheckResponse_ServingStatus) == healthpb.HealthCheckResponse_SERVING {
		return task.HealthHealthy, nil
	}
	return task.HealthUnhealthy, nil
}

func (c *HTTPClient) DiscoverServers(ctx context.Context) ([]string, error) {
	var result struct {
		Servers []string `json:"servers"`
	}
	cb := c.breakerFor("control")
	_, err := cb.Execute(func() (any, error) {
		return nil, c.httpCall(ctx, "control", "/v1/discover-servers", nil, &result)
	})
	if err != nil {
		return nil, err
	}
	return result.Servers, nil
}
