// Package config holds the control plane's runtime configuration: the
// recognised UpdateConfig keys (spec §6) plus the environment-derived
// bootstrap values the teacher's services read at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/swarmguard/controlplane/internal/ctlerr"
	"github.com/swarmguard/controlplane/internal/task"
)

// Config is the Dispatch Engine's live tunables. UpdateConfig (spec §4.9)
// merges a subset of these fields; all other fields are bootstrap-only and
// read once at startup from the environment. Paused is the engine's initial
// pause state: dispatch.New reads it once, and a later "paused" update does
// not pause or resume a running engine (Pause/Resume do).
type Config struct {
	mu sync.RWMutex

	MaxConcurrentTasks    int
	AttemptTimeout        time.Duration
	Retry                 task.RetryPolicy
	Paused                bool
	HealthCheckInterval   time.Duration
	DiscoveryInterval     time.Duration
}

// FromEnv builds a Config from environment variables, falling back to the
// teacher's conservative defaults where unset.
func FromEnv() *Config {
	return &Config{
		MaxConcurrentTasks:  envInt("CONTROLPLANE_MAX_CONCURRENT_TASKS", 8),
		AttemptTimeout:      envDuration("CONTROLPLANE_ATTEMPT_TIMEOUT_MS", 30*time.Second),
		Retry:               task.DefaultRetryPolicy(),
		Paused:              envBool("CONTROLPLANE_PAUSED", false),
		HealthCheckInterval: envDuration("CONTROLPLANE_HEALTH_CHECK_INTERVAL_MS", 30*time.Second),
		DiscoveryInterval:   envDuration("CONTROLPLANE_DISCOVERY_INTERVAL_MS", 60*time.Second),
	}
}

// Snapshot returns a value copy safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		MaxConcurrentTasks:  c.MaxConcurrentTasks,
		AttemptTimeout:      c.AttemptTimeout,
		Retry:               c.Retry,
		Paused:              c.Paused,
		HealthCheckInterval: c.HealthCheckInterval,
		DiscoveryInterval:   c.DiscoveryInterval,
	}
}

// Update merges recognised keys (spec §6's configuration surface) into the
// running configuration. Unknown keys are rejected with ConfigInvalid and
// no fields are applied — the merge is all-or-nothing.
func (c *Config) Update(changes map[string]any) (err error) {
	for k := range changes {
		switch k {
		case "max_concurrent_tasks", "attempt_timeout_ms", "retry.max_attempts",
			"retry.initial_delay_ms", "retry.max_delay_ms", "retry.factor", "paused":
		default:
			return ctlerr.ConfigInvalid(fmt.Sprintf("unrecognised config key %q", k))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prevMax, prevTimeout, prevRetry, prevPaused := c.MaxConcurrentTasks, c.AttemptTimeout, c.Retry, c.Paused
	defer func() {
		if err != nil {
			c.MaxConcurrentTasks, c.AttemptTimeout, c.Retry, c.Paused = prevMax, prevTimeout, prevRetry, prevPaused
		}
	}()
	for k, v := range changes {
		switch k {
		case "max_concurrent_tasks":
			n, err := asInt(v)
			if err != nil {
				return ctlerr.ConfigInvalid(fmt.Sprintf("max_concurrent_tasks must be an integer: %v", err))
			}
			c.MaxConcurrentTasks = n
		case "attempt_timeout_ms":
			n, err := asInt(v)
			if err != nil {
				return ctlerr.ConfigInvalid(fmt.Sprintf("attempt_timeout_ms must be an integer: %v", err))
			}
			c.AttemptTimeout = time.Duration(n) * time.Millisecond
		case "retry.max_attempts":
			n, err := asInt(v)
			if err != nil {
				return ctlerr.ConfigInvalid(fmt.Sprintf("retry.max_attempts must be an integer: %v", err))
			}
			c.Retry.MaxAttempts = n
		case "retry.initial_delay_ms":
			n, err := asInt(v)
			if err != nil {
				return ctlerr.ConfigInvalid(fmt.Sprintf("retry.initial_delay_ms must be an integer: %v", err))
			}
			c.Retry.InitialDelay = time.Duration(n) * time.Millisecond
		case "retry.max_delay_ms":
			n, err := asInt(v)
			if err != nil {
				return ctlerr.ConfigInvalid(fmt.Sprintf("retry.max_delay_ms must be an integer: %v", err))
			}
			c.Retry.MaxDelay = time.Duration(n) * time.Millisecond
		case "retry.factor":
			f, err := asFloat(v)
			if err != nil || f <= 1 {
				return ctlerr.ConfigInvalid(fmt.Sprintf("retry.factor must be a number greater than 1: %v", err))
			}
			c.Retry.Factor = f
		case "paused":
			b, ok := v.(bool)
			if !ok {
				return ctlerr.ConfigInvalid("paused must be a boolean")
			}
			c.Paused = b
		}
	}
	return nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
