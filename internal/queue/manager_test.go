package queue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/hub_downloader/internal/downloader"
	"github.com/italolelis/hub_downloader/internal/downloader/progress"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/storage"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type memStore struct {
	mu       sync.Mutex
	tasks    map[transfer.TaskID]transfer.Snapshot
	failSave error
}

func newMemStore(seed ...transfer.Snapshot) *memStore {
	s := &memStore{tasks: make(map[transfer.TaskID]transfer.Snapshot)}
	for _, t := range seed {
		s.tasks[t.ID] = t.Clone()
	}

	return s
}

func (s *memStore) Save(_ context.Context, task transfer.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSave != nil {
		return s.failSave
	}

	if old, ok := s.tasks[task.ID]; ok && old.Revision > task.Revision {
		return storage.ErrStaleRevision
	}

	s.tasks[task.ID] = task.Clone()

	return nil
}

func (s *memStore) Load(_ context.Context, id transfer.TaskID) (transfer.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return transfer.Snapshot{}, transfer.ErrTaskNotFound
	}

	return t.Clone(), nil
}

func (s *memStore) LoadAll(context.Context) ([]transfer.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transfer.Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (s *memStore) Delete(_ context.Context, id transfer.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, id)

	return nil
}

func (s *memStore) get(id transfer.TaskID) (transfer.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]

	return t.Clone(), ok
}

type mockRunner struct {
	RunFunc func(ctx context.Context, job downloader.Job) downloader.Outcome
}

func (r *mockRunner) Run(ctx context.Context, job downloader.Job) downloader.Outcome {
	return r.RunFunc(ctx, job)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, name string, p events.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events.Event{Name: name, Payload: p})

	return nil
}

func (s *recordingSink) count(name string, id transfer.TaskID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if ev.Name == name && ev.Payload.TaskID == id {
			n++
		}
	}

	return n
}

func (s *recordingSink) names(id transfer.TaskID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, ev := range s.events {
		if ev.Payload.TaskID == id && ev.Name != events.TaskProgress {
			out = append(out, ev.Name)
		}
	}

	return out
}

// slowRepo serves one file in small reads so pause and cancel land mid-transfer.
type slowRepo struct {
	data []byte

	mu      sync.Mutex
	offsets []int64
}

func newSlowRepo(size int) *slowRepo {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}

	return &slowRepo{data: data}
}

func (r *slowRepo) ListFiles(context.Context, transfer.Repository) ([]transfer.RemoteFile, error) {
	sum := sha256.Sum256(r.data)

	return []transfer.RemoteFile{{Path: "model.bin", Size: int64(len(r.data)), Checksum: hex.EncodeToString(sum[:])}}, nil
}

func (r *slowRepo) Open(_ context.Context, _ transfer.Repository, _ string, offset int64) (io.ReadCloser, error) {
	r.mu.Lock()
	r.offsets = append(r.offsets, offset)
	r.mu.Unlock()

	return io.NopCloser(&slowReader{r: bytes.NewReader(r.data[offset:])}), nil
}

func (r *slowRepo) opened() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int64(nil), r.offsets...)
}

type slowReader struct {
	r io.Reader
}

func (s *slowReader) Read(p []byte) (int, error) {
	time.Sleep(2 * time.Millisecond)

	return s.r.Read(p[:min(len(p), 16)])
}

type fixedDisk int64

func (d fixedDisk) Available(string) (int64, error) { return int64(d), nil }

type harness struct {
	m     *Manager
	store *memStore
	sink  *recordingSink
	fs    afero.Fs
}

func newHarness(t *testing.T, runner Runner, store *memStore, tracker *progress.Tracker, fsys afero.Fs, opts ...Option) *harness {
	t.Helper()

	if store == nil {
		store = newMemStore()
	}

	if fsys == nil {
		fsys = afero.NewMemMapFs()
	}

	sink := &recordingSink{}
	base := []Option{
		WithFs(fsys),
		WithRetryPolicy(transfer.RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, PollInterval: tick}),
	}

	return &harness{
		m:     NewManager(runner, store, sink, tracker, append(base, opts...)...),
		store: store,
		sink:  sink,
		fs:    fsys,
	}
}

// run starts the manager and stops it when the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (h *harness) status(t *testing.T, id transfer.TaskID) transfer.Snapshot {
	t.Helper()

	snap, err := h.m.GetStatus(context.Background(), id)
	require.NoError(t, err)

	return snap
}

func (h *harness) waitStatus(t *testing.T, id transfer.TaskID, want transfer.Status) transfer.Snapshot {
	t.Helper()

	require.Eventually(t, func() bool {
		snap, err := h.m.GetStatus(context.Background(), id)

		return err == nil && snap.Status == want
	}, waitFor, tick)

	return h.status(t, id)
}

func spec(repo string, priority int) transfer.Spec {
	return transfer.Spec{
		Repo:        transfer.Repository{Platform: transfer.PlatformHuggingFace, ID: repo},
		Destination: "/data/" + repo,
		Priority:    priority,
	}
}

func completed(job downloader.Job) downloader.Outcome {
	size := int64(10)

	return downloader.Outcome{
		TaskID:     job.Task.ID,
		Result:     downloader.ResultCompleted,
		TotalBytes: &size,
		Entries:    []transfer.FileEntry{{Path: "model.bin", Size: &size, Materialized: size, Complete: true, Verified: true}},
	}
}

// gatedRunner blocks every run until release is closed and records the dispatch order.
type gatedRunner struct {
	release chan struct{}

	mu      sync.Mutex
	order   []transfer.TaskID
	current int
	peak    int
}

func newGatedRunner() *gatedRunner { return &gatedRunner{release: make(chan struct{})} }

func (g *gatedRunner) Run(ctx context.Context, job downloader.Job) downloader.Outcome {
	g.mu.Lock()
	g.order = append(g.order, job.Task.ID)
	g.current++
	g.peak = max(g.peak, g.current)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.current--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
		return completed(job)
	case <-ctx.Done():
		return downloader.Outcome{TaskID: job.Task.ID, Result: downloader.ResultInterrupted, Err: ctx.Err()}
	}
}

func (g *gatedRunner) started() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.order)
}

func (g *gatedRunner) dispatched() []transfer.TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]transfer.TaskID(nil), g.order...)
}

func TestManager_SubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t, &mockRunner{RunFunc: func(_ context.Context, job downloader.Job) downloader.Outcome {
		return completed(job)
	}}, nil, nil, nil)
	h.run(t)

	id, err := h.m.Submit(context.Background(), spec("org/model", 0))
	require.NoError(t, err)
	assert.Equal(t, transfer.TaskID(1), id)

	snap := h.waitStatus(t, id, transfer.StatusCompleted)
	assert.Equal(t, transfer.DefaultPriority, snap.Priority)
	assert.Equal(t, int64(10), snap.TransferredBytes)
	require.NotNil(t, snap.TotalBytes)
	assert.LessOrEqual(t, snap.TransferredBytes, *snap.TotalBytes)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.CompletedAt)

	require.Eventually(t, func() bool { return h.sink.count(events.TaskCompleted, id) == 1 }, waitFor, tick)
	assert.Equal(t, []string{events.TaskQueued, events.TaskStarted, events.TaskCompleted}, h.sink.names(id))

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, transfer.StatusCompleted, stored.Status)

	// Terminal tasks leave the live set.
	assert.Equal(t, Stats{MaxWorkers: DefaultMaxWorkers}, h.m.Stats())
}

func TestManager_RespectsWorkerLimit(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, runner, nil, nil, nil, WithMaxWorkers(2))
	h.run(t)

	ids := make([]transfer.TaskID, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := h.m.Submit(context.Background(), spec("org/model", 5))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return runner.started() == 2 }, waitFor, tick)

	stats := h.m.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 3, stats.Queued)

	close(runner.release)

	for _, id := range ids {
		h.waitStatus(t, id, transfer.StatusCompleted)
	}

	assert.LessOrEqual(t, runner.peak, 2)
}

func TestManager_DispatchesByPriorityThenAge(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, runner, nil, nil, nil, WithMaxWorkers(1))
	h.run(t)

	ctx := context.Background()

	first, err := h.m.Submit(ctx, spec("org/first", 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.started() == 1 }, waitFor, tick)

	low, err := h.m.Submit(ctx, spec("org/low", 9))
	require.NoError(t, err)
	mid, err := h.m.Submit(ctx, spec("org/mid", 5))
	require.NoError(t, err)
	high, err := h.m.Submit(ctx, spec("org/high", 1))
	require.NoError(t, err)
	midLater, err := h.m.Submit(ctx, spec("org/mid-later", 5))
	require.NoError(t, err)

	close(runner.release)
	h.waitStatus(t, low, transfer.StatusCompleted)

	assert.Equal(t, []transfer.TaskID{first, high, mid, midLater, low}, runner.dispatched())
}

func TestManager_SetPriorityReordersQueue(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, runner, nil, nil, nil, WithMaxWorkers(1))
	h.run(t)

	ctx := context.Background()

	first, err := h.m.Submit(ctx, spec("org/first", 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.started() == 1 }, waitFor, tick)

	a, err := h.m.Submit(ctx, spec("org/a", 5))
	require.NoError(t, err)
	b, err := h.m.Submit(ctx, spec("org/b", 5))
	require.NoError(t, err)

	require.NoError(t, h.m.SetPriority(ctx, b, 2))
	assert.Equal(t, 2, h.status(t, b).Priority)
	require.NoError(t, h.m.SetPriority(ctx, a, 42))
	assert.Equal(t, transfer.MaxPriority, h.status(t, a).Priority)

	// The running task keeps going; the change only affects its next dispatch.
	require.NoError(t, h.m.SetPriority(ctx, first, 1))
	assert.Equal(t, transfer.StatusDownloading, h.status(t, first).Status)

	close(runner.release)
	h.waitStatus(t, a, transfer.StatusCompleted)

	assert.Equal(t, []transfer.TaskID{first, b, a}, runner.dispatched())
	assert.Equal(t, 1, h.sink.count(events.TaskPriorityChanged, b))

	var stateErr *transfer.InvalidStateError
	require.ErrorAs(t, h.m.SetPriority(ctx, a, 3), &stateErr)
	assert.Equal(t, transfer.StatusCompleted, stateErr.Status)
}

func TestManager_RetriesWithBackoffUntilAttemptsRunOut(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t, &mockRunner{RunFunc: func(_ context.Context, job downloader.Job) downloader.Outcome {
		calls.Add(1)

		return downloader.Outcome{
			TaskID: job.Task.ID,
			Result: downloader.ResultFailed,
			Err:    &transfer.NetworkError{Operation: "open_file", StatusCode: 502, Message: "bad gateway"},
		}
	}}, nil, nil, nil)
	h.run(t)

	id, err := h.m.Submit(context.Background(), spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sink.count(events.TaskFailed, id) == 1 }, waitFor, tick)

	snap := h.status(t, id)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.True(t, snap.IsTerminal())
	assert.Equal(t, 3, snap.Retry.Attempts)
	assert.Equal(t, transfer.ClassRetryable, snap.Retry.LastClass)
	assert.Nil(t, snap.Retry.NextEligibleAt)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, snap.LastError.Message, "bad gateway")

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, h.sink.count(events.TaskRetrying, id))
}

func TestManager_FatalErrorFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t, &mockRunner{RunFunc: func(_ context.Context, job downloader.Job) downloader.Outcome {
		calls.Add(1)

		return downloader.Outcome{
			TaskID: job.Task.ID,
			Result: downloader.ResultFailed,
			Err:    &transfer.InsufficientSpaceError{Path: job.Task.Destination, Required: 100, Available: 10},
		}
	}}, nil, nil, nil)
	h.run(t)

	id, err := h.m.Submit(context.Background(), spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sink.count(events.TaskFailed, id) == 1 }, waitFor, tick)

	snap := h.status(t, id)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.Equal(t, 0, snap.Retry.Attempts)
	assert.Equal(t, transfer.ClassFatal, snap.Retry.LastClass)
	require.NotNil(t, snap.LastError)
	assert.NotEmpty(t, snap.LastError.Remediation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_CancelDuringRetryWait(t *testing.T) {
	h := newHarness(t, &mockRunner{RunFunc: func(_ context.Context, job downloader.Job) downloader.Outcome {
		return downloader.Outcome{TaskID: job.Task.ID, Result: downloader.ResultFailed, Err: &transfer.NetworkError{Operation: "list_files", Message: "reset"}}
	}}, nil, nil, nil, WithRetryPolicy(transfer.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, PollInterval: tick}))
	h.run(t)

	ctx := context.Background()

	id, err := h.m.Submit(ctx, spec("org/model", 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sink.count(events.TaskRetrying, id) == 1 }, waitFor, tick)

	assert.Equal(t, 1, h.m.Stats().RetryWaiting)

	require.NoError(t, h.m.Cancel(ctx, id))

	snap := h.status(t, id)
	assert.Equal(t, transfer.StatusCancelled, snap.Status)
	assert.Nil(t, snap.Retry.NextEligibleAt)
	assert.Equal(t, Stats{MaxWorkers: DefaultMaxWorkers}, h.m.Stats())
}

func TestManager_PauseResumeContinuesFromOffset(t *testing.T) {
	src := newSlowRepo(2048)
	tracker := progress.NewTracker()
	fsys := afero.NewMemMapFs()
	w := downloader.NewWorker(src, src, tracker, downloader.WithFs(fsys), downloader.WithDiskChecker(fixedDisk(1<<30)), downloader.WithChunkSize(16))

	h := newHarness(t, w, nil, tracker, fsys)
	h.run(t)

	ctx := context.Background()

	id, err := h.m.Submit(ctx, spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.status(t, id).TransferredBytes > 0
	}, waitFor, tick)

	require.NoError(t, h.m.Pause(ctx, id))
	assert.Equal(t, transfer.StatusPaused, h.status(t, id).Status)
	require.NoError(t, h.m.Pause(ctx, id))

	require.NoError(t, h.m.Resume(ctx, id))

	snap := h.waitStatus(t, id, transfer.StatusCompleted)
	assert.Equal(t, int64(len(src.data)), snap.TransferredBytes)

	offsets := src.opened()
	require.GreaterOrEqual(t, len(offsets), 2)
	assert.Equal(t, int64(0), offsets[0])
	assert.Greater(t, offsets[len(offsets)-1], int64(0))

	got, err := afero.ReadFile(fsys, "/data/org/model/model.bin")
	require.NoError(t, err)
	assert.Equal(t, src.data, got)

	assert.Equal(t, 1, h.sink.count(events.TaskPaused, id))
	assert.Equal(t, 1, h.sink.count(events.TaskResumed, id))
}

func TestManager_CancelStopsRunningTransfer(t *testing.T) {
	src := newSlowRepo(1 << 16)
	tracker := progress.NewTracker()
	fsys := afero.NewMemMapFs()
	w := downloader.NewWorker(src, src, tracker, downloader.WithFs(fsys), downloader.WithDiskChecker(fixedDisk(1<<30)), downloader.WithChunkSize(16))

	h := newHarness(t, w, nil, tracker, fsys)
	h.run(t)

	ctx := context.Background()

	id, err := h.m.Submit(ctx, spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.status(t, id).TransferredBytes > 0 }, waitFor, tick)

	require.NoError(t, h.m.Cancel(ctx, id))
	assert.Equal(t, transfer.StatusCancelled, h.status(t, id).Status)

	// Cancelling again is a no-op, both while the worker winds down and once the task is history.
	require.NoError(t, h.m.Cancel(ctx, id))

	require.Eventually(t, func() bool { return h.m.Stats() == Stats{MaxWorkers: DefaultMaxWorkers} }, waitFor, tick)
	require.NoError(t, h.m.Cancel(ctx, id))

	snap := h.status(t, id)
	assert.Equal(t, transfer.StatusCancelled, snap.Status)
	assert.Less(t, snap.TransferredBytes, int64(len(src.data)))

	// Events are delivered asynchronously; the repeated cancels must not add more.
	require.Eventually(t, func() bool { return h.sink.count(events.TaskCancelled, id) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.sink.count(events.TaskCancelled, id) > 1 }, 50*time.Millisecond, tick)

	var stateErr *transfer.InvalidStateError
	require.ErrorAs(t, h.m.Resume(ctx, id), &stateErr)
	assert.Equal(t, "resume", stateErr.Operation)
}

func TestManager_PauseResumeCancelRoundTrip(t *testing.T) {
	src := newSlowRepo(1 << 16)
	tracker := progress.NewTracker()
	fsys := afero.NewMemMapFs()
	w := downloader.NewWorker(src, src, tracker, downloader.WithFs(fsys), downloader.WithDiskChecker(fixedDisk(1<<30)), downloader.WithChunkSize(16))

	h := newHarness(t, w, nil, tracker, fsys)
	h.run(t)

	ctx := context.Background()
	idle := Stats{MaxWorkers: DefaultMaxWorkers}

	id, err := h.m.Submit(ctx, spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.status(t, id).TransferredBytes > 0 }, waitFor, tick)

	require.NoError(t, h.m.Pause(ctx, id))
	require.Eventually(t, func() bool { return h.m.Stats() == Stats{Paused: 1, MaxWorkers: DefaultMaxWorkers} }, waitFor, tick)
	paused := h.status(t, id).TransferredBytes

	require.NoError(t, h.m.Resume(ctx, id))
	require.Eventually(t, func() bool {
		snap := h.status(t, id)

		return snap.Status == transfer.StatusDownloading && snap.TransferredBytes > paused
	}, waitFor, tick)

	require.NoError(t, h.m.Cancel(ctx, id))
	require.Eventually(t, func() bool { return h.m.Stats() == idle }, waitFor, tick)
	assert.Equal(t, transfer.StatusCancelled, h.status(t, id).Status)

	require.NoError(t, h.m.Cancel(ctx, id), "cancelling a cancelled task is a no-op")

	tests := []struct {
		op   string
		call func() error
	}{
		{"pause", func() error { return h.m.Pause(ctx, id) }},
		{"resume", func() error { return h.m.Resume(ctx, id) }},
		{"change priority of", func() error { return h.m.SetPriority(ctx, id, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			var stateErr *transfer.InvalidStateError
			require.ErrorAs(t, tt.call(), &stateErr)
			assert.Equal(t, tt.op, stateErr.Operation)
			assert.Equal(t, transfer.StatusCancelled, stateErr.Status)
		})
	}

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, transfer.StatusCancelled, stored.Status)

	require.Eventually(t, func() bool {
		names := h.sink.names(id)

		return len(names) > 0 && names[len(names)-1] == events.TaskCancelled
	}, waitFor, tick)
	assert.Equal(t, 1, h.sink.count(events.TaskPaused, id))
	assert.Equal(t, 1, h.sink.count(events.TaskResumed, id))
	assert.Equal(t, 1, h.sink.count(events.TaskCancelled, id))
}

func TestManager_CheckpointPersistsProgress(t *testing.T) {
	src := newSlowRepo(4096)
	tracker := progress.NewTracker()
	fsys := afero.NewMemMapFs()
	w := downloader.NewWorker(src, src, tracker, downloader.WithFs(fsys), downloader.WithDiskChecker(fixedDisk(1<<30)), downloader.WithChunkSize(16))

	h := newHarness(t, w, nil, tracker, fsys, WithCheckpointInterval(20*time.Millisecond))
	h.run(t)

	id, err := h.m.Submit(context.Background(), spec("org/model", 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, ok := h.store.get(id)

		return ok && stored.Status == transfer.StatusDownloading && stored.TransferredBytes > 0 && len(stored.Entries) == 1
	}, waitFor, tick)

	stored, _ := h.store.get(id)
	assert.Equal(t, stored.TransferredBytes, stored.Entries[0].Materialized)
	require.NotNil(t, stored.TotalBytes)
	assert.LessOrEqual(t, stored.TransferredBytes, *stored.TotalBytes)

	require.Eventually(t, func() bool { return h.sink.count(events.TaskProgress, id) > 0 }, waitFor, tick)
	h.waitStatus(t, id, transfer.StatusCompleted)
}

func TestManager_RestoreResumesInterruptedTransfer(t *testing.T) {
	src := newSlowRepo(100)
	tracker := progress.NewTracker()
	fsys := afero.NewMemMapFs()

	require.NoError(t, fsys.MkdirAll("/data/org/model", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/data/org/model/model.bin", src.data[:40], 0o644))

	size := int64(100)
	created := time.Now().Add(-time.Hour)
	retryAt := time.Now().Add(time.Hour)
	repo := transfer.Repository{Platform: transfer.PlatformHuggingFace, ID: "org/model"}

	store := newMemStore(
		transfer.Snapshot{
			ID: 3, Repo: repo, Destination: "/data/org/model", Priority: 5, Status: transfer.StatusDownloading,
			CreatedAt: created, TotalBytes: &size, TransferredBytes: 40, Revision: 7,
			Entries: []transfer.FileEntry{{Path: "model.bin", Size: &size, Materialized: 40, Checksum: mustChecksum(src)}},
		},
		transfer.Snapshot{
			ID: 4, Repo: repo, Destination: "/data/other", Priority: 5, Status: transfer.StatusFailed, CreatedAt: created,
			Retry: transfer.RetryState{Attempts: 2, NextEligibleAt: &retryAt, LastClass: transfer.ClassRetryable}, Revision: 3,
		},
		transfer.Snapshot{ID: 5, Repo: repo, Destination: "/data/paused", Priority: 5, Status: transfer.StatusPaused, CreatedAt: created, Revision: 2},
		transfer.Snapshot{ID: 7, Repo: repo, Destination: "/data/done", Priority: 5, Status: transfer.StatusCompleted, CreatedAt: created, Revision: 9},
	)

	w := downloader.NewWorker(src, src, tracker, downloader.WithFs(fsys), downloader.WithDiskChecker(fixedDisk(1<<30)), downloader.WithChunkSize(16))
	h := newHarness(t, w, store, tracker, fsys, WithMaxWorkers(1))

	ctx := context.Background()

	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	failed := h.status(t, 4)
	assert.Equal(t, transfer.StatusQueued, failed.Status)
	assert.Equal(t, 2, failed.Retry.Attempts)
	assert.Nil(t, failed.Retry.NextEligibleAt)

	assert.Equal(t, transfer.StatusPaused, h.status(t, 5).Status)
	assert.Equal(t, Stats{Queued: 2, Paused: 1, MaxWorkers: 1}, h.m.Stats())

	require.NoError(t, h.m.Cancel(ctx, 4))

	id, err := h.m.Submit(ctx, spec("org/next", 5))
	require.NoError(t, err)
	assert.Equal(t, transfer.TaskID(8), id)

	h.run(t)

	snap := h.waitStatus(t, 3, transfer.StatusCompleted)
	assert.Equal(t, size, snap.TransferredBytes)
	assert.Equal(t, []int64{40}, src.opened()[:1])

	got, err := afero.ReadFile(fsys, "/data/org/model/model.bin")
	require.NoError(t, err)
	assert.Equal(t, src.data, got)
}

func mustChecksum(r *slowRepo) string {
	sum := sha256.Sum256(r.data)

	return hex.EncodeToString(sum[:])
}

func TestManager_SubmitValidation(t *testing.T) {
	h := newHarness(t, newGatedRunner(), nil, nil, nil, WithPlatforms(platformSet{transfer.PlatformHuggingFace: true}))

	tests := []struct {
		name  string
		spec  transfer.Spec
		field string
	}{
		{name: "empty repo", spec: transfer.Spec{Repo: transfer.Repository{ID: "  "}, Destination: "/data/x"}, field: "repo_id"},
		{name: "unknown platform", spec: transfer.Spec{Repo: transfer.Repository{Platform: "gitlab", ID: "org/model"}, Destination: "/data/x"}, field: "platform"},
		{name: "relative destination", spec: transfer.Spec{Repo: transfer.Repository{ID: "org/model"}, Destination: "data/x"}, field: "destination"},
		{name: "missing destination", spec: transfer.Spec{Repo: transfer.Repository{ID: "org/model"}}, field: "destination"},
		{name: "escaping file", spec: transfer.Spec{Repo: transfer.Repository{ID: "org/model"}, Destination: "/data/x", Files: []string{"../etc/passwd"}}, field: "files"},
		{name: "absolute file", spec: transfer.Spec{Repo: transfer.Repository{ID: "org/model"}, Destination: "/data/x", Files: []string{"/model.bin"}}, field: "files"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.m.Submit(context.Background(), tt.spec)

			var vErr *transfer.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	t.Run("read-only destination", func(t *testing.T) {
		ro := newHarness(t, newGatedRunner(), nil, nil, afero.NewReadOnlyFs(afero.NewMemMapFs()))

		_, err := ro.m.Submit(context.Background(), spec("org/model", 5))

		var vErr *transfer.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "destination", vErr.Field)
		assert.Equal(t, "is not writable", vErr.Reason)
	})

	t.Run("normalizes request", func(t *testing.T) {
		id, err := h.m.Submit(context.Background(), transfer.Spec{
			Repo:        transfer.Repository{ID: " /org/model/ "},
			Destination: "/data/x/../y",
			Files:       []string{"config.json", "weights/a.bin", "config.json"},
			Priority:    99,
		})
		require.NoError(t, err)

		snap := h.status(t, id)
		assert.Equal(t, "org/model", snap.Repo.ID)
		assert.Equal(t, transfer.PlatformHuggingFace, snap.Repo.Platform)
		assert.Equal(t, "/data/y", snap.Destination)
		assert.Equal(t, []string{"config.json", "weights/a.bin"}, snap.Files)
		assert.Equal(t, transfer.MaxPriority, snap.Priority)
		assert.Equal(t, transfer.StatusQueued, snap.Status)
	})
}

type platformSet map[string]bool

func (p platformSet) Supports(platform string) bool { return p[platform] }

func TestManager_SubmitFailsWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.failSave = errors.New("disk full")

	h := newHarness(t, newGatedRunner(), store, nil, nil)

	_, err := h.m.Submit(context.Background(), spec("org/model", 5))
	require.ErrorContains(t, err, "disk full")

	tasks, err := h.m.ListTasks(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestManager_UnknownTask(t *testing.T) {
	h := newHarness(t, newGatedRunner(), nil, nil, nil)
	ctx := context.Background()

	_, err := h.m.GetStatus(ctx, 42)
	require.ErrorIs(t, err, transfer.ErrTaskNotFound)
	require.ErrorIs(t, h.m.Pause(ctx, 42), transfer.ErrTaskNotFound)
	require.ErrorIs(t, h.m.Resume(ctx, 42), transfer.ErrTaskNotFound)
	require.ErrorIs(t, h.m.Cancel(ctx, 42), transfer.ErrTaskNotFound)
	require.ErrorIs(t, h.m.SetPriority(ctx, 42, 1), transfer.ErrTaskNotFound)
}

func TestManager_PauseAllResumeAll(t *testing.T) {
	// Not running, so every task stays queued until paused.
	h := newHarness(t, newGatedRunner(), nil, nil, nil)
	ctx := context.Background()

	for _, r := range []string{"org/a", "org/b", "org/c"} {
		_, err := h.m.Submit(ctx, spec(r, 5))
		require.NoError(t, err)
	}

	require.NoError(t, h.m.Pause(ctx, 2))

	n, err := h.m.PauseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, Stats{Paused: 3, MaxWorkers: DefaultMaxWorkers}, h.m.Stats())

	n, err = h.m.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Stats{Queued: 3, MaxWorkers: DefaultMaxWorkers}, h.m.Stats())

	// Resuming a queued task is a no-op.
	require.NoError(t, h.m.Resume(ctx, 1))
}

func TestManager_ListTasks(t *testing.T) {
	size := int64(5)
	store := newMemStore(transfer.Snapshot{
		ID: 1, Repo: transfer.Repository{Platform: transfer.PlatformHFMirror, ID: "org/old"}, Priority: 5,
		Status: transfer.StatusCompleted, TotalBytes: &size, TransferredBytes: 5, CreatedAt: time.Now().Add(-time.Hour), Revision: 4,
	})

	h := newHarness(t, newGatedRunner(), store, nil, nil)
	ctx := context.Background()

	_, err := h.m.Restore(ctx)
	require.NoError(t, err)

	low, err := h.m.Submit(ctx, spec("org/low", 8))
	require.NoError(t, err)
	high, err := h.m.Submit(ctx, spec("org/high", 2))
	require.NoError(t, err)
	require.NoError(t, h.m.Pause(ctx, low))

	live, err := h.m.ListTasks(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, high, live[0].ID)
	assert.Equal(t, low, live[1].ID)

	paused, err := h.m.ListTasks(ctx, Filter{Statuses: []transfer.Status{transfer.StatusPaused}})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, low, paused[0].ID)

	all, err := h.m.ListTasks(ctx, Filter{IncludeHistory: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mirror, err := h.m.ListTasks(ctx, Filter{IncludeHistory: true, Platform: transfer.PlatformHFMirror})
	require.NoError(t, err)
	require.Len(t, mirror, 1)
	assert.Equal(t, transfer.TaskID(1), mirror[0].ID)

	var stateErr *transfer.InvalidStateError
	require.ErrorAs(t, h.m.Pause(ctx, 1), &stateErr)
	assert.Equal(t, transfer.StatusCompleted, stateErr.Status)
}

func TestManager_RunTwice(t *testing.T) {
	h := newHarness(t, newGatedRunner(), nil, nil, nil)
	h.run(t)

	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()

		return h.m.runCtx != nil
	}, waitFor, tick)

	require.ErrorIs(t, h.m.Run(context.Background()), ErrAlreadyRunning)
}

func TestManager_ShutdownRequeuesInterruptedTasks(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, runner, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.m.Run(ctx) }()

	id, err := h.m.Submit(context.Background(), spec("org/model", 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.started() == 1 }, waitFor, tick)

	cancel()
	require.NoError(t, <-done)

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, transfer.StatusQueued, stored.Status)
}
