package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/controlplane/internal/task"
)

func worker(id string, health task.Health, registeredAt time.Time, caps ...string) task.WorkerRecord {
	return task.WorkerRecord{ServerID: id, Health: health, RegisteredAt: registeredAt, Capabilities: caps}
}

func TestMatchFiltersUnhealthyWorkers(t *testing.T) {
	now := time.Now()
	candidates := []task.WorkerRecord{
		worker("w1", task.HealthUnhealthy, now, "gpu"),
		worker("w2", task.HealthHealthy, now, "gpu"),
	}
	got := Match(candidates, []string{"gpu"})
	require.Len(t, got, 1)
	require.Equal(t, "w2", got[0].ServerID)
}

func TestMatchRequiresCapabilitySuperset(t *testing.T) {
	now := time.Now()
	candidates := []task.WorkerRecord{
		worker("w1", task.HealthHealthy, now, "gpu"),
		worker("w2", task.HealthHealthy, now, "gpu", "avx512"),
	}
	got := Match(candidates, []string{"gpu", "avx512"})
	require.Len(t, got, 1)
	require.Equal(t, "w2", got[0].ServerID)
}

func TestMatchEmptyRequirementMatchesAllHealthy(t *testing.T) {
	now := time.Now()
	candidates := []task.WorkerRecord{
		worker("w1", task.HealthHealthy, now),
		worker("w2", task.HealthUnreachable, now),
	}
	got := Match(candidates, nil)
	require.Len(t, got, 1)
	require.Equal(t, "w1", got[0].ServerID)
}

func TestMatchOrdersByRegisteredAtThenID(t *testing.T) {
	base := time.Now()
	candidates := []task.WorkerRecord{
		worker("zeta", task.HealthHealthy, base.Add(time.Second)),
		worker("alpha", task.HealthHealthy, base),
		worker("beta", task.HealthHealthy, base),
	}
	got := Match(candidates, nil)
	require.Len(t, got, 3)
	require.Equal(t, []string{"alpha", "beta", "zeta"}, []string{got[0].ServerID, got[1].ServerID, got[2].ServerID})
}

func TestBestReturnsFalseWhenNoMatch(t *testing.T) {
	candidates := []task.WorkerRecord{worker("w1", task.HealthUnhealthy, time.Now(), "gpu")}
	_, ok := Best(candidates, []string{"gpu"})
	require.False(t, ok)
}

func TestBestReturnsFirstStableMatch(t *testing.T) {
	base := time.Now()
	candidates := []task.WorkerRecord{
		worker("later", task.HealthHealthy, base.Add(time.Minute), "gpu"),
		worker("earlier", task.HealthHealthy, base, "gpu"),
	}
	got, ok := Best(candidates, []string{"gpu"})
	require.True(t, ok)
	require.Equal(t, "earlier", got.ServerID)
}
