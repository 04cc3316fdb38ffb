// Package capability implements the Capability Matcher (spec §4.8): given a
// task's required capability set, return every HEALTHY worker whose own
// capability set is a superset, in a stable order so callers (Control
// Surface, Dispatch Engine extensions) get deterministic results across
// repeated calls against the same registry snapshot.
package capability

import (
	"sort"

	"github.com/swarmguard/controlplane/internal/task"
)

// Match returns the healthy workers from candidates whose capability set is
// a superset of required, ordered by (registered_at asc, server_id asc) —
// spec §4.8, P7: "capability matching is pure and deterministic given a
// fixed registry snapshot."
func Match(candidates []task.WorkerRecord, required []string) []task.WorkerRecord {
	matches := make([]task.WorkerRecord, 0, len(candidates))
	for _, w := range candidates {
		if w.Health != task.HealthHealthy {
			continue
		}
		if !w.HasCapabilities(required) {
			continue
		}
		matches = append(matches, w)
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.ServerID < b.ServerID
	})
	return matches
}

// Best returns the single preferred match for required — the first entry of
// Match's stable ordering — and false if no healthy worker qualifies.
func Best(candidates []task.WorkerRecord, required []string) (task.WorkerRecord, bool) {
	matches := Match(candidates, required)
	if len(matches) == 0 {
		return task.WorkerRecord{}, false
	}
	return matches[0], true
}
