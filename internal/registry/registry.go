// Package registry is the Task Registry (spec §4.3): an in-process,
// concurrency-safe map from task id to task descriptor for every task
// currently in {PENDING, ASSIGNED, PROCESSING, RETRY_WAIT} (see
// task.State.Active). It is the single source of
// truth for the Dispatch Engine's admission decisions (I2); the State
// Store is the durable projection, not the other way around.
package registry

import (
	"sort"
	"sync"

	"github.com/swarmguard/controlplane/internal/task"
)

// Registry holds active tasks indexed by id, with a secondary parent/child
// index for tasks that declare a ParentID.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*task.Task
	children map[string]map[string]struct{} // parentID -> set of child ids
}

func New() *Registry {
	return &Registry{
		byID:     make(map[string]*task.Task),
		children: make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or replaces the entry for t.ID. Terminal states must not
// be upserted here — callers remove on reaching a terminal state (I2).
func (r *Registry) Upsert(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
	if t.ParentID != "" {
		set, ok := r.children[t.ParentID]
		if !ok {
			set = make(map[string]struct{})
			r.children[t.ParentID] = set
		}
		set[t.ID] = struct{}{}
	}
}

// Get returns a clone of the active task for id, or nil if absent.
func (r *Registry) Get(id string) *task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Remove deletes id from the active set, called when a task leaves
// {PENDING, ASSIGNED, PROCESSING, RETRY_WAIT} for a terminal state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if t.ParentID != "" {
		if set, ok := r.children[t.ParentID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.children, t.ParentID)
			}
		}
	}
}

// Children returns the ids of active tasks whose ParentID is parentID.
func (r *Registry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.children[parentID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns clones of every active task; the retry recovery sweep
// scans it for orphaned PROCESSING entries.
func (r *Registry) Snapshot() []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Task, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t.Clone())
	}
	return out
}

// CountByState returns the number of active tasks in each state.
func (r *Registry) CountByState() map[task.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[task.State]int)
	for _, t := range r.byID {
		counts[t.State]++
	}
	return counts
}

// Len returns the total number of active tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
