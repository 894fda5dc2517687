package queue

import (
	"context"
	"fmt"
	"slices"

	"github.com/italolelis/hub_downloader/internal/transfer"
)

// Filter selects tasks for ListTasks. Zero values match everything live.
type Filter struct {
	Statuses       []transfer.Status
	Platform       string
	IncludeHistory bool
}

func (f Filter) match(t *transfer.Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}

	return f.Platform == "" || f.Platform == t.Repo.Platform
}

// Stats summarizes the live set.
type Stats struct {
	Active       int `json:"active"`
	Queued       int `json:"queued"`
	Paused       int `json:"paused"`
	RetryWaiting int `json:"retry_waiting"`
	MaxWorkers   int `json:"max_workers"`
}

// GetStatus returns a task snapshot. Running tasks carry live progress figures; finished tasks are
// read from the store.
func (m *Manager) GetStatus(ctx context.Context, id transfer.TaskID) (transfer.Snapshot, error) {
	m.mu.Lock()

	if e, ok := m.tasks[id]; ok {
		snap := m.view(e)
		m.mu.Unlock()

		return snap, nil
	}

	m.mu.Unlock()

	return m.store.Load(ctx, id)
}

// ListTasks returns matching tasks in scheduling order.
func (m *Manager) ListTasks(ctx context.Context, f Filter) ([]transfer.Snapshot, error) {
	m.mu.Lock()

	live := make(map[transfer.TaskID]bool, len(m.tasks))
	tasks := make([]transfer.Snapshot, 0, len(m.tasks))

	for id, e := range m.tasks {
		live[id] = true

		if snap := m.view(e); f.match(&snap) {
			tasks = append(tasks, snap)
		}
	}

	m.mu.Unlock()

	if f.IncludeHistory {
		stored, err := m.store.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load task history: %w", err)
		}

		for i := range stored {
			if !live[stored[i].ID] && f.match(&stored[i]) {
				tasks = append(tasks, stored[i])
			}
		}
	}

	sortTasks(tasks)

	return tasks, nil
}

// Stats counts live tasks by state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{MaxWorkers: m.maxWorkers}

	for _, e := range m.tasks {
		switch {
		case e.task.Status == transfer.StatusDownloading:
			s.Active++
		case e.task.Status == transfer.StatusQueued:
			s.Queued++
		case e.task.Status == transfer.StatusPaused:
			s.Paused++
		case e.task.Status == transfer.StatusFailed && !e.task.IsTerminal():
			s.RetryWaiting++
		}
	}

	return s
}

// view copies a live task and overlays tracker progress. Callers hold m.mu.
func (m *Manager) view(e *entry) transfer.Snapshot {
	snap := e.task.Clone()

	if e.running && snap.Status == transfer.StatusDownloading {
		if p, ok := m.tracker.Snapshot(snap.ID); ok {
			applyProgress(&snap, p)
		}
	}

	return snap
}
