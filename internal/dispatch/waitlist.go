package dispatch

import (
	"container/heap"
	"time"

	"github.com/swarmguard/controlplane/internal/task"
)

// waitItem is one admission-blocked task sitting in the in-process waiting
// list, plus the bus ack the Dispatch Engine must call once it finally
// leaves PROCESSING (spec §4.5 step 4: "do not commit the offset until the
// task leaves PROCESSING").
type waitItem struct {
	task       *task.Task
	enqueuedAt time.Time
	ack        func() error
	index      int
}

// waitHeap orders by (priority desc, enqueue-time asc, id asc) — spec
// §4.5's "lexicographic (−priority, enqueue_time, id) ordering".
type waitHeap []*waitItem

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.task.ID < b.task.ID
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	item := x.(*waitItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// waitlist is the in-process priority+FIFO-within-priority queue
// (spec §4.5, Non-goals: "scheduling optimality... simple priority +
// FIFO-within-priority"). It has no size limit: push always accepts, and
// the list grows with every admission-blocked delivery.
type waitlist struct {
	h waitHeap
}

func newWaitlist() *waitlist {
	w := &waitlist{}
	heap.Init(&w.h)
	return w
}

func (w *waitlist) push(t *task.Task, ack func() error) {
	heap.Push(&w.h, &waitItem{task: t, enqueuedAt: time.Now(), ack: ack})
}

func (w *waitlist) pop() (*waitItem, bool) {
	if w.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&w.h).(*waitItem), true
}

func (w *waitlist) len() int { return w.h.Len() }

// removeByID pulls a specific task out of the waiting list (used by Cancel
// for a task that has not yet begun processing, spec §5: "if applied
// before PROCESSING, the task is short-circuited to CANCELLED on
// dequeue"). Returns the removed item, if found.
func (w *waitlist) removeByID(id string) (*waitItem, bool) {
	for i, item := range w.h {
		if item.task.ID == id {
			heap.Remove(&w.h, i)
			return item, true
		}
	}
	return nil, false
}
