package queue

import (
	"container/heap"
	"sort"
	"sync/atomic"

	"github.com/italolelis/hub_downloader/internal/downloader"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

// entry is the manager's live record of a task.
type entry struct {
	task transfer.Task

	// index in the ready heap, -1 when not queued for dispatch.
	index int
	// running is true while a worker holds the task, even after a pause or cancel was requested.
	running bool
	control *downloader.Control
	// stopRetry aborts a pending backoff wait. Replaced for every scheduled retry.
	stopRetry *atomic.Bool
	// startBytes is TransferredBytes when the current run was dispatched.
	startBytes int64
}

// before is the scheduling order: lower priority value first, then creation time, then id.
func before(a, b *transfer.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}

// readyHeap is a min-heap of queued entries.
type readyHeap []*entry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return before(&h[i].task, &h[j].task) }

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}

func (h *readyHeap) push(e *entry) {
	if e.index < 0 {
		heap.Push(h, e)
	}
}

func (h *readyHeap) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(h, e.index)
	}
}

func (h *readyHeap) fix(e *entry) {
	if e.index >= 0 {
		heap.Fix(h, e.index)
	}
}

func sortTasks(tasks []transfer.Snapshot) {
	sort.SliceStable(tasks, func(i, j int) bool { return before(&tasks[i], &tasks[j]) })
}
