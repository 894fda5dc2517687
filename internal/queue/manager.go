package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/hub_downloader/internal/downloader"
	"github.com/italolelis/hub_downloader/internal/downloader/progress"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/storage"
	"github.com/italolelis/hub_downloader/internal/telemetry"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"github.com/spf13/afero"
)

const (
	DefaultMaxWorkers         = 3
	MaxWorkersLimit           = 8
	DefaultCheckpointInterval = 5 * time.Second
	DefaultEventBuffer        = 256

	persistTimeout = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("queue manager is already running")

// Runner executes one task. *downloader.Worker implements it.
type Runner interface {
	Run(ctx context.Context, job downloader.Job) downloader.Outcome
}

// PlatformChecker reports whether a hub platform is configured. *hub.Router implements it.
type PlatformChecker interface {
	Supports(platform string) bool
}

// Manager admits, schedules and supervises download tasks.
//
// A single mutex guards the live set, the ready heap and every status transition.
// Store writes, event publication and worker execution happen outside of it.
type Manager struct {
	mu      sync.Mutex
	tasks   map[transfer.TaskID]*entry
	ready   readyHeap
	running int
	lastID  transfer.TaskID
	runCtx  context.Context

	runner    Runner
	store     storage.TaskStore
	sink      events.Sink
	tracker   *progress.Tracker
	policy    transfer.RetryPolicy
	fs        afero.Fs
	platforms PlatformChecker
	telemetry *telemetry.Telemetry
	now       func() time.Time

	maxWorkers         int
	checkpointInterval time.Duration
	eventBuffer        int

	results chan downloader.Outcome
	wake    chan struct{}
	events  chan events.Event
	workers sync.WaitGroup

	locksMu sync.Mutex
	locks   map[transfer.TaskID]*sync.Mutex
}

type Option func(*Manager)

// WithMaxWorkers bounds concurrent downloads, clamped to 1..MaxWorkersLimit.
func WithMaxWorkers(n int) Option {
	return func(m *Manager) { m.maxWorkers = min(max(n, 1), MaxWorkersLimit) }
}

func WithRetryPolicy(p transfer.RetryPolicy) Option { return func(m *Manager) { m.policy = p } }

// WithFs sets the filesystem used to probe destinations on Submit.
func WithFs(fsys afero.Fs) Option { return func(m *Manager) { m.fs = fsys } }

func WithPlatforms(p PlatformChecker) Option { return func(m *Manager) { m.platforms = p } }

func WithTelemetry(t *telemetry.Telemetry) Option { return func(m *Manager) { m.telemetry = t } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithCheckpointInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkpointInterval = d
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.eventBuffer = n
		}
	}
}

func NewManager(runner Runner, store storage.TaskStore, sink events.Sink, tracker *progress.Tracker, opts ...Option) *Manager {
	m := &Manager{
		tasks:              make(map[transfer.TaskID]*entry),
		runner:             runner,
		store:              store,
		sink:               sink,
		tracker:            tracker,
		policy:             transfer.DefaultRetryPolicy(),
		fs:                 afero.NewOsFs(),
		now:                time.Now,
		maxWorkers:         DefaultMaxWorkers,
		checkpointInterval: DefaultCheckpointInterval,
		eventBuffer:        DefaultEventBuffer,
		wake:               make(chan struct{}, 1),
		locks:              make(map[transfer.TaskID]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.sink == nil {
		m.sink = events.LogSink{}
	}

	if m.tracker == nil {
		m.tracker = progress.NewTracker()
	}

	// One slot per worker, so a finishing worker never blocks on the send.
	m.results = make(chan downloader.Outcome, m.maxWorkers)
	m.events = make(chan events.Event, m.eventBuffer)

	return m
}

// MaxWorkers returns the configured worker pool size.
func (m *Manager) MaxWorkers() int { return m.maxWorkers }

// Run dispatches queued tasks and processes worker outcomes until ctx ends.
// On return every worker has stopped and its outcome has been recorded.
func (m *Manager) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()

		return ErrAlreadyRunning
	}

	m.runCtx = ctx
	m.mu.Unlock()

	stopEvents := make(chan struct{})
	eventsDone := make(chan struct{})

	go func() {
		defer close(eventsDone)

		m.drainEvents(ctx, stopEvents)
	}()

	ticker := time.NewTicker(m.checkpointInterval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "queue manager started", "max_workers", m.maxWorkers)

	m.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping queue manager, waiting for workers")

			m.workers.Wait()

			shutdownCtx := context.WithoutCancel(ctx)

			for done := false; !done; {
				select {
				case out := <-m.results:
					m.handleOutcome(shutdownCtx, out)
				default:
					done = true
				}
			}

			close(stopEvents)
			<-eventsDone

			logger.InfoContext(ctx, "queue manager stopped")

			return nil
		case out := <-m.results:
			m.handleOutcome(ctx, out)
			m.dispatch(ctx)
		case <-m.wake:
			m.dispatch(ctx)
		case <-ticker.C:
			m.checkpoint(ctx)
		}
	}
}

// kick asks the run loop to fill free worker slots.
func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch claims free slots and pops the best ready tasks in one step under the lock.
func (m *Manager) dispatch(ctx context.Context) {
	m.mu.Lock()

	if m.runCtx == nil || m.runCtx.Err() != nil {
		m.mu.Unlock()

		return
	}

	var jobs []downloader.Job

	for m.running < m.maxWorkers && m.ready.Len() > 0 {
		e := heap.Pop(&m.ready).(*entry)
		now := m.now()

		m.running++
		e.running = true
		e.control = &downloader.Control{}
		e.startBytes = e.task.TransferredBytes

		e.task.Status = transfer.StatusDownloading
		e.task.Retry.NextEligibleAt = nil

		if e.task.StartedAt == nil {
			e.task.StartedAt = &now
		}

		e.task.Revision++

		jobs = append(jobs, downloader.Job{Task: e.task.Clone(), Control: e.control})
	}

	m.mu.Unlock()

	for _, job := range jobs {
		_ = m.persist(ctx, job.Task)
		m.publish(ctx, events.TaskStarted, job.Task)
		m.start(ctx, job)
	}
}

func (m *Manager) start(ctx context.Context, job downloader.Job) {
	m.workers.Add(1)

	go func() {
		defer m.workers.Done()

		m.results <- m.execute(ctx, job)
	}()
}

// execute runs a job and converts a panic into a failed outcome.
func (m *Manager) execute(ctx context.Context, job downloader.Job) (out downloader.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "worker panic",
				"task_id", job.Task.ID, "panic", r, "stack", string(debug.Stack()))

			out = downloader.Outcome{
				TaskID:     job.Task.ID,
				Result:     downloader.ResultFailed,
				Entries:    job.Task.Entries,
				TotalBytes: job.Task.TotalBytes,
				Err:        &transfer.TransferError{Err: fmt.Errorf("worker panic: %v", r)},
			}
		}
	}()

	_ = m.telemetry.InstrumentTask(ctx, func(ctx context.Context) error {
		out = m.runner.Run(ctx, job)

		return out.Err
	}, func() string { return string(out.Result) })

	return out
}

// handleOutcome applies a finished run. A pause, resume or cancel requested while the worker was
// running has already set the status and takes precedence, except that a completed run stays completed
// unless it was cancelled.
func (m *Manager) handleOutcome(ctx context.Context, out downloader.Outcome) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", out.TaskID)

	m.tracker.Forget(out.TaskID)

	m.mu.Lock()

	m.running--

	e, ok := m.tasks[out.TaskID]
	if !ok {
		m.mu.Unlock()
		logger.WarnContext(ctx, "outcome for unknown task", "result", out.Result)

		return
	}

	e.running = false
	e.control = nil

	t := &e.task
	if out.Entries != nil {
		t.Entries = out.Entries
	}

	if out.TotalBytes != nil {
		t.RaiseTotal(*out.TotalBytes)
	}

	t.TransferredBytes = t.SumMaterialized()
	if t.TotalBytes != nil {
		t.TransferredBytes = min(t.TransferredBytes, *t.TotalBytes)
	}

	t.Speed = 0
	t.ETA = nil

	moved := t.TransferredBytes - e.startBytes
	now := m.now()

	var (
		name       string
		retire     bool
		retryDelay time.Duration
		stopRetry  *atomic.Bool
	)

	switch {
	case t.Status == transfer.StatusCancelled:
		retire = true
	case out.Result == downloader.ResultCompleted:
		t.Status = transfer.StatusCompleted
		t.CompletedAt = &now
		t.LastError = nil
		t.Retry.NextEligibleAt = nil
		name, retire = events.TaskCompleted, true
	case t.Status == transfer.StatusPaused:
	case t.Status == transfer.StatusQueued:
		// Resumed while the worker was still winding down.
		m.ready.push(e)
	case out.Result == downloader.ResultInterrupted:
		t.Status = transfer.StatusQueued
	case out.Result == downloader.ResultPaused:
		t.Status = transfer.StatusPaused
		name = events.TaskPaused
	case out.Result == downloader.ResultCancelled:
		t.Status = transfer.StatusCancelled
		t.CompletedAt = &now
		name, retire = events.TaskCancelled, true
	default:
		err := out.Err
		if err == nil {
			err = &transfer.TransferError{Err: errors.New("worker failed without an error")}
		}

		d := m.policy.Decide(t.Retry, err)
		info := transfer.Describe(err)

		t.Status = transfer.StatusFailed
		t.LastError = &info
		t.Retry.Attempts = d.Attempts
		t.Retry.LastClass = d.Class

		if d.Retry {
			at := now.Add(d.Delay)
			t.Retry.NextEligibleAt = &at
			stopRetry = &atomic.Bool{}
			e.stopRetry = stopRetry
			retryDelay = d.Delay
			name = events.TaskRetrying
		} else {
			t.Retry.NextEligibleAt = nil
			t.CompletedAt = &now
			name, retire = events.TaskFailed, true
		}
	}

	t.Revision++
	snap := t.Clone()

	m.mu.Unlock()

	m.telemetry.RecordBytes(moved)

	logger.InfoContext(ctx, "worker finished", "result", out.Result, "status", snap.Status,
		"repo_id", snap.Repo.ID, "transferred", snap.TransferredBytes, "attempts", snap.Retry.Attempts)

	if out.Err != nil && snap.Status == transfer.StatusFailed {
		logger.WarnContext(ctx, "task failed", "err", out.Err, "classification", snap.Retry.LastClass,
			"retry_at", snap.Retry.NextEligibleAt)
	}

	err := m.persist(ctx, snap)
	if retire && err == nil {
		m.retire(snap.ID)
	}

	if name != "" {
		m.publish(ctx, name, snap)
	}

	if stopRetry != nil {
		m.telemetry.RecordRetry(string(snap.Retry.LastClass))
		m.waitRetry(snap.ID, retryDelay, stopRetry)
	}
}

// waitRetry re-queues a failed task once its backoff elapses, unless the wait was aborted.
func (m *Manager) waitRetry(id transfer.TaskID, delay time.Duration, stop *atomic.Bool) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	m.workers.Add(1)

	go func() {
		defer m.workers.Done()

		if err := m.policy.Wait(ctx, delay, stop.Load); err != nil {
			return
		}

		m.mu.Lock()

		e, ok := m.tasks[id]
		if !ok || e.stopRetry != stop || e.task.Status != transfer.StatusFailed {
			m.mu.Unlock()

			return
		}

		e.stopRetry = nil
		e.task.Status = transfer.StatusQueued
		e.task.Retry.NextEligibleAt = nil
		e.task.Revision++
		m.ready.push(e)

		snap := e.task.Clone()

		m.mu.Unlock()

		_ = m.persist(ctx, snap)
		m.publish(ctx, events.TaskQueued, snap)
		m.kick()
	}()
}

// retire drops a terminal task from the live set once it is durably recorded.
func (m *Manager) retire(id transfer.TaskID) {
	m.mu.Lock()
	if e, ok := m.tasks[id]; ok && !e.running && e.task.IsTerminal() {
		m.ready.remove(e)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	m.locksMu.Lock()
	delete(m.locks, id)
	m.locksMu.Unlock()
}

// checkpoint copies tracker offsets into running tasks and persists them.
func (m *Manager) checkpoint(ctx context.Context) {
	m.mu.Lock()

	var snaps []transfer.Snapshot

	for _, e := range m.tasks {
		if !e.running || e.task.Status != transfer.StatusDownloading {
			continue
		}

		p, ok := m.tracker.Snapshot(e.task.ID)
		if !ok {
			continue
		}

		applyProgress(&e.task, p)
		e.task.Revision++
		snaps = append(snaps, e.task.Clone())
	}

	m.mu.Unlock()

	for _, snap := range snaps {
		_ = m.persist(ctx, snap)
		m.publish(ctx, events.TaskProgress, snap)
	}
}

// applyProgress overlays live tracker figures on a task.
func applyProgress(t *transfer.Task, p progress.Progress) {
	if p.Total != nil {
		t.RaiseTotal(*p.Total)
	}

	if len(t.Entries) == 0 {
		t.Entries = p.Entries
	} else {
		for i := range t.Entries {
			if n, ok := p.Files[t.Entries[i].Path]; ok {
				t.Entries[i].Materialized = n
			}
		}
	}

	t.TransferredBytes = p.Transferred
	t.Speed = p.Speed
	t.ETA = nil

	if p.HasETA {
		eta := p.ETA.Seconds()
		t.ETA = &eta
	}
}

func (m *Manager) lockFor(id transfer.TaskID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}

	return l
}

// persist saves a snapshot. Writes for one task are serialized, and a snapshot that lost the race
// to a newer revision is dropped by the store.
func (m *Manager) persist(ctx context.Context, snap transfer.Snapshot) error {
	l := m.lockFor(snap.ID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := m.store.Save(ctx, snap)

	switch {
	case errors.Is(err, storage.ErrStaleRevision):
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "skipping stale task snapshot", "task_id", snap.ID, "revision", snap.Revision)

		return nil
	case err != nil:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist task", "task_id", snap.ID, "status", snap.Status, "err", err)
		m.telemetry.RecordSystemError("queue", "persist")

		return err
	}

	return nil
}

func (m *Manager) publish(ctx context.Context, name string, snap transfer.Snapshot) {
	ev := events.Event{Name: name, Payload: payloadOf(snap, m.now())}

	select {
	case m.events <- ev:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event buffer full, dropping event", "event", name, "task_id", snap.ID)
	}
}

func payloadOf(t transfer.Snapshot, at time.Time) events.Payload {
	return events.Payload{
		TaskID:      t.ID,
		Repo:        t.Repo,
		Status:      t.Status,
		Priority:    t.Priority,
		Transferred: t.TransferredBytes,
		Total:       t.TotalBytes,
		Speed:       t.Speed,
		Attempt:     t.Retry.Attempts,
		RetryAt:     t.Retry.NextEligibleAt,
		Error:       t.LastError,
		At:          at,
	}
}

// drainEvents delivers published events to the sink until stop is closed, then flushes the buffer.
func (m *Manager) drainEvents(ctx context.Context, stop <-chan struct{}) {
	ctx = context.WithoutCancel(ctx)

	for {
		select {
		case ev := <-m.events:
			m.deliver(ctx, ev)
		case <-stop:
			for {
				select {
				case ev := <-m.events:
					m.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(ctx context.Context, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "event sink panic", "event", ev.Name, "panic", r)
		}
	}()

	if err := m.sink.Publish(ctx, ev.Name, ev.Payload); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to publish event", "event", ev.Name, "task_id", ev.Payload.TaskID, "err", err)
		m.telemetry.RecordSystemError("events", "publish")
	}
}
