package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"github.com/spf13/afero"
)

const (
	dirPerm      = 0o755
	probePattern = ".hub_downloader-probe-*"
)

// Submit validates a request, records it as queued and schedules it.
func (m *Manager) Submit(ctx context.Context, spec transfer.Spec) (transfer.TaskID, error) {
	task, err := m.validate(spec)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.lastID++
	task.ID = m.lastID
	m.mu.Unlock()

	task.Status = transfer.StatusQueued
	task.CreatedAt = m.now()
	task.Revision = 1

	// The task becomes visible only once it is stored.
	if err := m.persist(ctx, task); err != nil {
		return 0, fmt.Errorf("failed to persist task: %w", err)
	}

	e := &entry{task: task, index: -1}

	m.mu.Lock()
	m.tasks[task.ID] = e
	m.ready.push(e)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task queued",
		"task_id", task.ID, "repo_id", task.Repo.ID, "platform", task.Repo.Platform, "priority", task.Priority)

	m.publish(ctx, events.TaskQueued, task)
	m.kick()

	return task.ID, nil
}

func (m *Manager) validate(spec transfer.Spec) (transfer.Task, error) {
	repo := spec.Repo
	repo.ID = strings.Trim(strings.TrimSpace(repo.ID), "/")

	if repo.ID == "" {
		return transfer.Task{}, &transfer.ValidationError{Field: "repo_id", Reason: "must not be empty"}
	}

	if repo.Platform == "" {
		repo.Platform = transfer.PlatformHuggingFace
	}

	if m.platforms != nil && !m.platforms.Supports(repo.Platform) {
		return transfer.Task{}, &transfer.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", repo.Platform)}
	}

	files, err := cleanFiles(spec.Files)
	if err != nil {
		return transfer.Task{}, err
	}

	if spec.Destination == "" || !filepath.IsAbs(spec.Destination) {
		return transfer.Task{}, &transfer.ValidationError{Field: "destination", Reason: "must be an absolute path"}
	}

	dest := filepath.Clean(spec.Destination)
	if err := m.probeWritable(dest); err != nil {
		return transfer.Task{}, &transfer.ValidationError{Field: "destination", Reason: "is not writable", Err: err}
	}

	return transfer.Task{
		Repo:        repo,
		Destination: dest,
		Files:       files,
		Priority:    transfer.ClampPriority(spec.Priority),
	}, nil
}

// cleanFiles rejects empty or escaping paths and drops duplicates, keeping order.
func cleanFiles(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))

	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || !filepath.IsLocal(filepath.FromSlash(f)) {
			return nil, &transfer.ValidationError{Field: "files", Reason: fmt.Sprintf("%q is not a relative repository path", f)}
		}

		if seen[f] {
			continue
		}

		seen[f] = true
		out = append(out, f)
	}

	return out, nil
}

// probeWritable creates the directory and a throwaway file in it.
func (m *Manager) probeWritable(dir string) error {
	if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	f, err := afero.TempFile(m.fs, dir, probePattern)
	if err != nil {
		return err
	}

	name := f.Name()
	f.Close()

	return m.fs.Remove(name)
}

// Pause stops a task. A running worker stops at the next chunk boundary and keeps its offsets.
func (m *Manager) Pause(ctx context.Context, id transfer.TaskID) error {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()

		return m.historyError(ctx, id, "pause")
	}

	t := &e.task

	switch {
	case t.Status == transfer.StatusPaused:
		m.mu.Unlock()

		return nil
	case t.IsTerminal():
		m.mu.Unlock()

		return &transfer.InvalidStateError{TaskID: id, Status: t.Status, Operation: "pause"}
	}

	if e.control != nil {
		e.control.Pause()
	}

	m.abortRetry(e)
	m.ready.remove(e)

	t.Status = transfer.StatusPaused
	t.Retry.NextEligibleAt = nil
	t.Revision++

	snap := t.Clone()

	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task paused", "task_id", id)

	_ = m.persist(ctx, snap)
	m.publish(ctx, events.TaskPaused, snap)

	return nil
}

// Resume puts a paused task back in the queue with its original priority and creation order.
func (m *Manager) Resume(ctx context.Context, id transfer.TaskID) error {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()

		return m.historyError(ctx, id, "resume")
	}

	t := &e.task

	switch {
	case t.IsTerminal():
		m.mu.Unlock()

		return &transfer.InvalidStateError{TaskID: id, Status: t.Status, Operation: "resume"}
	case t.Status != transfer.StatusPaused:
		m.mu.Unlock()

		return nil
	}

	t.Status = transfer.StatusQueued
	t.Revision++

	// A worker still winding down from the pause re-queues the task when it reports back.
	if !e.running {
		m.ready.push(e)
	}

	snap := t.Clone()

	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task resumed", "task_id", id)

	_ = m.persist(ctx, snap)
	m.publish(ctx, events.TaskResumed, snap)
	m.kick()

	return nil
}

// Cancel stops a task for good. Cancelling a cancelled task is a no-op.
func (m *Manager) Cancel(ctx context.Context, id transfer.TaskID) error {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()

		return m.historyError(ctx, id, "cancel")
	}

	t := &e.task

	switch {
	case t.Status == transfer.StatusCancelled:
		m.mu.Unlock()

		return nil
	case t.IsTerminal():
		m.mu.Unlock()

		return &transfer.InvalidStateError{TaskID: id, Status: t.Status, Operation: "cancel"}
	}

	if e.control != nil {
		e.control.Cancel()
	}

	m.abortRetry(e)
	m.ready.remove(e)

	now := m.now()
	t.Status = transfer.StatusCancelled
	t.CompletedAt = &now
	t.Retry.NextEligibleAt = nil
	t.Revision++

	running := e.running
	snap := t.Clone()

	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task cancelled", "task_id", id, "running", running)

	if err := m.persist(ctx, snap); err == nil && !running {
		m.retire(id)
	}

	m.publish(ctx, events.TaskCancelled, snap)

	return nil
}

// SetPriority changes a task's priority, clamped to the accepted range. A running download is
// not affected; a queued task moves within the queue.
func (m *Manager) SetPriority(ctx context.Context, id transfer.TaskID, priority int) error {
	priority = min(max(priority, transfer.MinPriority), transfer.MaxPriority)

	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()

		return m.historyError(ctx, id, "change priority of")
	}

	t := &e.task

	switch {
	case t.IsTerminal():
		m.mu.Unlock()

		return &transfer.InvalidStateError{TaskID: id, Status: t.Status, Operation: "change priority of"}
	case t.Priority == priority:
		m.mu.Unlock()

		return nil
	}

	t.Priority = priority
	t.Revision++
	m.ready.fix(e)

	snap := t.Clone()

	m.mu.Unlock()

	_ = m.persist(ctx, snap)
	m.publish(ctx, events.TaskPriorityChanged, snap)

	return nil
}

// PauseAll pauses every live task that is not paused or finished.
// It returns how many tasks were paused; individual failures are collected, not fatal.
func (m *Manager) PauseAll(ctx context.Context) (int, error) {
	ids := m.liveIDs(func(t *transfer.Task) bool {
		return !t.IsTerminal() && t.Status != transfer.StatusPaused
	})

	return m.each(ctx, ids, m.Pause)
}

// ResumeAll resumes every paused task.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	ids := m.liveIDs(func(t *transfer.Task) bool { return t.Status == transfer.StatusPaused })

	return m.each(ctx, ids, m.Resume)
}

func (m *Manager) each(ctx context.Context, ids []transfer.TaskID, fn func(context.Context, transfer.TaskID) error) (int, error) {
	var (
		result *multierror.Error
		n      int
	)

	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("task %d: %w", id, err))

			continue
		}

		n++
	}

	return n, result.ErrorOrNil()
}

// liveIDs returns matching live task ids in scheduling order.
func (m *Manager) liveIDs(match func(*transfer.Task) bool) []transfer.TaskID {
	m.mu.Lock()

	tasks := make([]transfer.Snapshot, 0, len(m.tasks))
	for _, e := range m.tasks {
		if match(&e.task) {
			tasks = append(tasks, transfer.Snapshot{ID: e.task.ID, Priority: e.task.Priority, CreatedAt: e.task.CreatedAt})
		}
	}

	m.mu.Unlock()

	sortTasks(tasks)

	ids := make([]transfer.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	return ids
}

// abortRetry stops a pending backoff wait. Callers hold m.mu.
func (m *Manager) abortRetry(e *entry) {
	if e.stopRetry != nil {
		e.stopRetry.Store(true)
		e.stopRetry = nil
	}
}

// historyError answers control calls for tasks that already left the live set.
func (m *Manager) historyError(ctx context.Context, id transfer.TaskID, op string) error {
	snap, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}

	if op == "cancel" && snap.Status == transfer.StatusCancelled {
		return nil
	}

	return &transfer.InvalidStateError{TaskID: id, Status: snap.Status, Operation: op}
}

// Restore loads unfinished tasks from the store. Tasks that were downloading or waiting for a retry
// are queued again; paused tasks stay paused. New ids continue after the largest stored one.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	stored, err := m.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks: %w", err)
	}

	var restored []transfer.Snapshot

	m.mu.Lock()

	for _, s := range stored {
		m.lastID = max(m.lastID, s.ID)

		if s.IsTerminal() {
			continue
		}

		if _, exists := m.tasks[s.ID]; exists {
			continue
		}

		t := s.Clone()
		t.Speed = 0
		t.ETA = nil

		if t.Status != transfer.StatusPaused {
			t.Status = transfer.StatusQueued
			t.Retry.NextEligibleAt = nil
		}

		t.Revision++

		e := &entry{task: t, index: -1}
		m.tasks[t.ID] = e

		if t.Status == transfer.StatusQueued {
			m.ready.push(e)
		}

		restored = append(restored, t.Clone())
	}

	m.mu.Unlock()

	for _, snap := range restored {
		_ = m.persist(ctx, snap)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "restored tasks", "count", len(restored), "stored", len(stored))

	m.kick()

	return len(restored), nil
}
