package progress

import (
	"sync"
	"time"

	"github.com/italolelis/hub_downloader/internal/transfer"
)

const DefaultWindow = 5 * time.Second

// Progress is a point-in-time view of a task's transfer.
type Progress struct {
	Transferred int64
	Total       *int64
	Speed       float64 // bytes per second over the sliding window
	ETA         time.Duration
	HasETA      bool
	Files       map[string]int64
	// Entries are the file entries given to Begin with Materialized set to the current offset.
	Entries []transfer.FileEntry
}

type fileProgress struct {
	entry transfer.FileEntry
	size  *int64
	bytes int64
}

type sample struct {
	at    time.Time
	bytes int64
}

type taskProgress struct {
	files   map[string]*fileProgress
	order   []string
	total   *int64
	samples []sample
}

// Tracker records per-file byte counts for running tasks. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	tasks  map[transfer.TaskID]*taskProgress
}

type Option func(*Tracker)

// WithWindow sets the speed averaging window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		window: DefaultWindow,
		now:    time.Now,
		tasks:  make(map[transfer.TaskID]*taskProgress),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Begin starts tracking a task from the offsets recorded in its entries.
// Calling Begin again for the same id replaces the previous state.
func (t *Tracker) Begin(id transfer.TaskID, total *int64, entries []transfer.FileEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp := &taskProgress{files: make(map[string]*fileProgress, len(entries))}

	if total != nil {
		v := *total
		tp.total = &v
	}

	for _, e := range entries {
		fp := &fileProgress{entry: e, bytes: e.Materialized}
		if e.Size != nil {
			size := *e.Size
			fp.size = &size
			fp.bytes = min(fp.bytes, size)
		}

		if _, seen := tp.files[e.Path]; !seen {
			tp.order = append(tp.order, e.Path)
		}

		tp.files[e.Path] = fp
	}

	tp.samples = []sample{{at: t.now(), bytes: tp.sum()}}
	t.tasks[id] = tp
}

// Advance adds n bytes to a file, clamped to the file's expected size, and returns the new offset.
func (t *Tracker) Advance(id transfer.TaskID, path string, n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.tasks[id]
	if !ok {
		return 0
	}

	fp := tp.file(path)
	fp.bytes += n

	if fp.size != nil && fp.bytes > *fp.size {
		fp.bytes = *fp.size
	}

	tp.record(t.now(), t.window)

	return fp.bytes
}

// Reset sets a file's offset, used when a partial file is truncated or redone.
func (t *Tracker) Reset(id transfer.TaskID, path string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.tasks[id]
	if !ok {
		return
	}

	fp := tp.file(path)
	fp.bytes = max(bytes, 0)

	if fp.size != nil && fp.bytes > *fp.size {
		fp.bytes = *fp.size
	}

	// A reset moves the counter backwards; restart the window so speed never goes negative.
	tp.samples = []sample{{at: t.now(), bytes: tp.sum()}}
}

// Snapshot returns the current progress of a task.
func (t *Tracker) Snapshot(id transfer.TaskID) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.tasks[id]
	if !ok {
		return Progress{}, false
	}

	p := Progress{
		Transferred: tp.sum(),
		Files:       make(map[string]int64, len(tp.files)),
	}

	for path, fp := range tp.files {
		p.Files[path] = fp.bytes
	}

	p.Entries = make([]transfer.FileEntry, 0, len(tp.order))
	for _, path := range tp.order {
		fp := tp.files[path]

		e := fp.entry
		e.Path = path
		e.Materialized = fp.bytes
		if fp.size != nil {
			size := *fp.size
			e.Size = &size
		}

		p.Entries = append(p.Entries, e)
	}

	if tp.total != nil {
		total := *tp.total
		p.Total = &total
		p.Transferred = min(p.Transferred, total)
	}

	p.Speed = tp.speed(t.now(), t.window)

	if p.Total != nil && p.Speed > 0 {
		remaining := float64(*p.Total - p.Transferred)
		p.ETA = time.Duration(remaining / p.Speed * float64(time.Second))
		p.HasETA = true
	}

	return p, true
}

// Forget drops a task once it is no longer running.
func (t *Tracker) Forget(id transfer.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tasks, id)
}

func (tp *taskProgress) file(path string) *fileProgress {
	fp, ok := tp.files[path]
	if !ok {
		fp = &fileProgress{}
		tp.files[path] = fp
		tp.order = append(tp.order, path)
	}

	return fp
}

func (tp *taskProgress) sum() int64 {
	var sum int64
	for _, fp := range tp.files {
		sum += fp.bytes
	}

	return sum
}

func (tp *taskProgress) record(now time.Time, window time.Duration) {
	tp.samples = append(tp.samples, sample{at: now, bytes: tp.sum()})
	tp.trim(now, window)
}

// trim drops samples older than the window but keeps the newest of them as the anchor.
func (tp *taskProgress) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)

	drop := 0
	for drop+1 < len(tp.samples) && !tp.samples[drop+1].at.After(cutoff) {
		drop++
	}

	if drop > 0 {
		tp.samples = append(tp.samples[:0], tp.samples[drop:]...)
	}
}

func (tp *taskProgress) speed(now time.Time, window time.Duration) float64 {
	if len(tp.samples) < 2 {
		return 0
	}

	last := tp.samples[len(tp.samples)-1]
	if now.Sub(last.at) > window {
		return 0
	}

	first := tp.samples[0]

	elapsed := now.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	if delta := last.bytes - first.bytes; delta > 0 {
		return float64(delta) / elapsed
	}

	return 0
}
