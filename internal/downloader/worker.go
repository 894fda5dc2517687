package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/hub_downloader/internal/downloader/progress"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	DefaultChunkSize       = 1 << 20
	DefaultFileConcurrency = 1
	DefaultStallTimeout    = 60 * time.Second
	DefaultSpaceMargin     = 0.10

	logInterval = int64(100 * 1024 * 1024)
)

// Result is how a worker run ended.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultPaused    Result = "paused"
	ResultCancelled Result = "cancelled"
	ResultFailed    Result = "failed"
	// ResultInterrupted means the run context ended, typically on shutdown.
	ResultInterrupted Result = "interrupted"
)

var (
	errStopped = errors.New("transfer stopped")
	errStalled = errors.New("no data received")
)

// Control carries cooperative pause and cancel signals to a running worker.
// The worker observes them between chunks.
type Control struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

func (c *Control) Pause()  { c.paused.Store(true) }
func (c *Control) Cancel() { c.cancelled.Store(true) }

func (c *Control) Cancelled() bool { return c.cancelled.Load() }

func (c *Control) stopped() (Result, bool) {
	switch {
	case c == nil:
		return "", false
	case c.cancelled.Load():
		return ResultCancelled, true
	case c.paused.Load():
		return ResultPaused, true
	}

	return "", false
}

// Job is the unit handed to a worker. Task is a private copy owned by the worker for the run.
type Job struct {
	Task    transfer.Task
	Control *Control
}

// Outcome is reported back to the queue manager when a run ends.
type Outcome struct {
	TaskID     transfer.TaskID
	Result     Result
	Entries    []transfer.FileEntry
	TotalBytes *int64
	Err        error
}

// DiskChecker reports free space for a destination.
type DiskChecker interface {
	Available(path string) (int64, error)
}

// RateLimiter throttles the byte stream. *rate.Limiter satisfies it.
type RateLimiter interface {
	WaitN(ctx context.Context, n int) error
}

// Worker streams the files of one task to local storage.
type Worker struct {
	catalog transfer.RepositoryCatalog
	source  transfer.FileSource
	tracker *progress.Tracker
	fs      afero.Fs
	disk    DiskChecker
	limiter RateLimiter

	chunkSize       int
	fileConcurrency int
	stallTimeout    time.Duration
	verify          bool
	spaceMargin     float64
}

type Option func(*Worker)

func WithFs(fsys afero.Fs) Option { return func(w *Worker) { w.fs = fsys } }

func WithDiskChecker(d DiskChecker) Option { return func(w *Worker) { w.disk = d } }

func WithRateLimiter(l RateLimiter) Option { return func(w *Worker) { w.limiter = l } }

func WithVerify(verify bool) Option { return func(w *Worker) { w.verify = verify } }

func WithChunkSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.chunkSize = n
		}
	}
}

func WithFileConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.fileConcurrency = n
		}
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.stallTimeout = d
		}
	}
}

func NewWorker(catalog transfer.RepositoryCatalog, source transfer.FileSource, tracker *progress.Tracker, opts ...Option) *Worker {
	w := &Worker{
		catalog:         catalog,
		source:          source,
		tracker:         tracker,
		fs:              afero.NewOsFs(),
		disk:            StatfsChecker{},
		chunkSize:       DefaultChunkSize,
		fileConcurrency: DefaultFileConcurrency,
		stallTimeout:    DefaultStallTimeout,
		verify:          true,
		spaceMargin:     DefaultSpaceMargin,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run executes a job and always returns an Outcome, even when the transfer panics.
func (w *Worker) Run(ctx context.Context, job Job) (out Outcome) {
	task := job.Task
	ctx = logctx.WithTaskID(ctx, int64(task.ID))
	logger := logctx.LoggerFromContext(ctx).With("repo_id", task.Repo.ID)

	out = Outcome{TaskID: task.ID, Entries: task.Entries, TotalBytes: task.TotalBytes}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "worker panic", "panic", r, "stack", string(debug.Stack()))

			out.Result = ResultFailed
			out.Err = &transfer.TransferError{Err: fmt.Errorf("worker panic: %v", r)}
		}
	}()

	if res, stop := job.Control.stopped(); stop {
		out.Result = res

		return out
	}

	if err := w.fs.MkdirAll(task.Destination, dirPerm); err != nil {
		return failed(out, &transfer.TransferError{Err: fmt.Errorf("failed to create destination: %w", err)})
	}

	if task.TotalBytes == nil || len(task.Entries) == 0 {
		entries, total, err := w.estimate(ctx, task)
		if err != nil {
			return w.finish(ctx, job, out, err)
		}

		task.Entries = entries
		task.RaiseTotal(total)
		out.Entries = entries
		out.TotalBytes = task.TotalBytes

		logger.InfoContext(ctx, "estimated repository size", "files", len(entries), "total", humanize.IBytes(uint64(total)))
	}

	if err := w.checkSpace(ctx, task); err != nil {
		return w.finish(ctx, job, out, err)
	}

	w.tracker.Begin(task.ID, task.TotalBytes, task.Entries)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.fileConcurrency)

	entries := task.Entries
	for i := range entries {
		if entries[i].Complete {
			continue
		}

		i := i // go.mod targets go1.21: pin the per-iteration value for the goroutine

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "file transfer panic", "file_path", entries[i].Path, "panic", r, "stack", string(debug.Stack()))

					err = &transfer.TransferError{Path: entries[i].Path, Err: fmt.Errorf("panic: %v", r)}
				}
			}()

			return w.fetch(gctx, job, &entries[i])
		})
	}

	err := g.Wait()
	out.Entries = entries

	return w.finish(ctx, job, out, err)
}

// finish resolves the final Result. Control signals win over errors they caused.
func (w *Worker) finish(ctx context.Context, job Job, out Outcome, err error) Outcome {
	if res, stop := job.Control.stopped(); stop {
		out.Result = res

		return out
	}

	if ctx.Err() != nil {
		out.Result = ResultInterrupted
		out.Err = ctx.Err()

		return out
	}

	if err != nil {
		return failed(out, err)
	}

	for _, e := range out.Entries {
		if !e.Complete {
			return failed(out, &transfer.TransferError{Path: e.Path, Err: errors.New("file left incomplete")})
		}
	}

	out.Result = ResultCompleted

	return out
}

func failed(out Outcome, err error) Outcome {
	var c interface{ Class() transfer.Classification }
	if !errors.As(err, &c) && !errors.Is(err, context.Canceled) {
		err = &transfer.TransferError{Err: err}
	}

	out.Result = ResultFailed
	out.Err = err

	return out
}

// estimate lists the repository and builds the file entries, keeping offsets already recorded.
func (w *Worker) estimate(ctx context.Context, task transfer.Task) ([]transfer.FileEntry, int64, error) {
	files, err := w.catalog.ListFiles(ctx, task.Repo)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list repository files: %w", err)
	}

	if len(task.Files) > 0 {
		byPath := make(map[string]transfer.RemoteFile, len(files))
		for _, f := range files {
			byPath[f.Path] = f
		}

		selected := make([]transfer.RemoteFile, 0, len(task.Files))
		for _, p := range task.Files {
			f, ok := byPath[p]
			if !ok {
				return nil, 0, &transfer.NotFoundError{Repo: task.Repo.ID, Path: p}
			}

			selected = append(selected, f)
		}

		files = selected
	}

	known := make(map[string]transfer.FileEntry, len(task.Entries))
	for _, e := range task.Entries {
		known[e.Path] = e
	}

	var total int64

	entries := make([]transfer.FileEntry, 0, len(files))
	for _, f := range files {
		size := f.Size
		total += size

		e := known[f.Path]
		e.Path = f.Path
		e.Size = &size
		e.Checksum = f.Checksum
		e.Materialized = min(e.Materialized, size)
		entries = append(entries, e)
	}

	return entries, total, nil
}

func (w *Worker) checkSpace(ctx context.Context, task transfer.Task) error {
	if w.disk == nil {
		return nil
	}

	var remaining int64
	for _, e := range task.Entries {
		if !e.Complete {
			remaining += e.Remaining()
		}
	}

	if remaining <= 0 {
		return nil
	}

	available, err := w.disk.Available(task.Destination)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "could not determine free disk space", "err", err)

		return nil
	}

	required := remaining + int64(float64(remaining)*w.spaceMargin)
	if available < required {
		return &transfer.InsufficientSpaceError{Path: task.Destination, Required: required, Available: available}
	}

	return nil
}

// localPath resolves a repository path below the destination, rejecting escapes.
func localPath(destination, path string) (string, error) {
	target := filepath.Join(destination, filepath.FromSlash(path))

	rel, err := filepath.Rel(destination, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &transfer.ValidationError{Field: "file path", Reason: fmt.Sprintf("%q escapes the destination", path)}
	}

	return target, nil
}

// resumeOffset re-validates the recorded offset against the local file.
// A local file matching the record resumes as is. A longer one within the expected size is
// truncated back to the record. Anything else restarts the file from zero.
func (w *Worker) resumeOffset(target string, entry transfer.FileEntry) (int64, error) {
	info, err := w.fs.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	local := info.Size()
	recorded := entry.Materialized

	switch {
	case local == recorded:
		return recorded, nil
	case local > recorded && (entry.Size == nil || local <= *entry.Size):
		return recorded, w.truncate(target, recorded)
	default:
		return 0, w.truncate(target, 0)
	}
}

func (w *Worker) truncate(target string, size int64) error {
	f, err := w.fs.OpenFile(target, os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}

	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", target, err)
	}

	return nil
}

// fetch downloads the remainder of one file, then verifies it.
func (w *Worker) fetch(ctx context.Context, job Job, entry *transfer.FileEntry) error {
	task := job.Task
	logger := logctx.LoggerFromContext(ctx).With("file_path", entry.Path)

	target, err := localPath(task.Destination, entry.Path)
	if err != nil {
		return err
	}

	if err := w.fs.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	offset, err := w.resumeOffset(target, *entry)
	if err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	if offset != entry.Materialized {
		logger.InfoContext(ctx, "local file does not match recorded offset, restarting file",
			"recorded", entry.Materialized, "offset", offset)
	}

	entry.Materialized = offset
	w.tracker.Reset(task.ID, entry.Path, offset)

	switch {
	case entry.Size != nil && *entry.Size == 0:
		f, err := w.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY, filePerm)
		if err != nil {
			return &transfer.TransferError{Path: entry.Path, Err: err}
		}

		f.Close()
	case entry.Size == nil || offset < *entry.Size:
		if err := w.stream(ctx, job, entry, target); err != nil {
			return err
		}
	}

	if entry.Size == nil {
		size := entry.Materialized
		entry.Size = &size
	}

	if entry.Materialized < *entry.Size {
		return &transfer.NetworkError{
			Operation: "read",
			Message:   fmt.Sprintf("stream for %s ended at %d of %d bytes", entry.Path, entry.Materialized, *entry.Size),
		}
	}

	if w.verify && entry.Checksum != "" {
		if err := w.verifyFile(ctx, task.ID, entry, target); err != nil {
			return err
		}
	}

	entry.Complete = true

	logger.InfoContext(ctx, "downloaded file", "size", humanize.IBytes(uint64(entry.Materialized)), "verified", entry.Verified)

	return nil
}

func (w *Worker) stream(ctx context.Context, job Job, entry *transfer.FileEntry, target string) error {
	task := job.Task
	logger := logctx.LoggerFromContext(ctx).With("file_path", entry.Path)

	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rc, err := w.source.Open(fctx, task.Repo, entry.Path, entry.Materialized)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", entry.Path, err)
	}

	defer rc.Close()

	// Closing the body unblocks a pending read on both stall and shutdown.
	stopClose := context.AfterFunc(fctx, func() { rc.Close() })
	defer stopClose()

	watchdog := time.AfterFunc(w.stallTimeout, func() { cancel(errStalled) })
	defer watchdog.Stop()

	out, err := w.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	defer out.Close()

	if _, err := out.Seek(entry.Materialized, io.SeekStart); err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}

	reader := progress.NewReader(rc, entry.Materialized, logInterval, func(offset int64) {
		if size > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.IBytes(uint64(offset)),
				"total", humanize.IBytes(uint64(size)),
				"percent", humanize.FtoaWithDigits(float64(offset)*100/float64(size), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.IBytes(uint64(offset)))
		}
	})

	buf := make([]byte, w.chunkSize)

	for {
		if _, stop := job.Control.stopped(); stop {
			return errStopped
		}

		want := len(buf)
		if size > 0 {
			want = int(min(int64(want), max(size-entry.Materialized, 1)))
		}

		if w.limiter != nil {
			// Throttled time is not a stall: the clock only runs while reading.
			watchdog.Stop()

			err := w.limiter.WaitN(ctx, want)
			watchdog.Reset(w.stallTimeout)

			if err != nil {
				return w.readError(ctx, entry.Path, err)
			}
		}

		n, rerr := io.ReadFull(reader, buf[:want])
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return &transfer.TransferError{Path: entry.Path, Err: err}
			}

			entry.Materialized += int64(n)
			w.tracker.Advance(task.ID, entry.Path, int64(n))
			watchdog.Reset(w.stallTimeout)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}

		if rerr != nil {
			return w.readError(fctx, entry.Path, rerr)
		}

		if size > 0 && entry.Materialized >= size {
			return nil
		}
	}
}

func (w *Worker) readError(ctx context.Context, path string, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return &transfer.TimeoutError{Operation: "reading " + path, After: w.stallTimeout.String(), Err: errStalled}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return &transfer.NetworkError{Operation: "read", Message: err.Error(), Err: err}
}

// verifyFile checks the sha256 of a finished file. A mismatch truncates the file so only it is redone.
func (w *Worker) verifyFile(ctx context.Context, id transfer.TaskID, entry *transfer.FileEntry, target string) error {
	actual, err := fileSHA256(w.fs, target)
	if err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	if strings.EqualFold(actual, entry.Checksum) {
		entry.Verified = true

		return nil
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "checksum mismatch, discarding file", "file_path", entry.Path)

	if err := w.truncate(target, 0); err != nil {
		return &transfer.TransferError{Path: entry.Path, Err: err}
	}

	entry.Materialized = 0
	entry.Verified = false
	w.tracker.Reset(id, entry.Path, 0)

	return &transfer.VerificationError{Path: entry.Path, Expected: entry.Checksum, Actual: actual}
}
