package transfer

import (
	"context"
	"io"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Platforms understood by the hub client.
const (
	PlatformHuggingFace = "huggingface"
	PlatformHFMirror    = "hf-mirror"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// TaskID is assigned by the queue manager at enqueue time and grows monotonically.
type TaskID int64

// Repository identifies a remote model repository.
type Repository struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
	Revision string `json:"revision,omitempty"`
}

// RemoteFile is one file as listed by a RepositoryCatalog.
type RemoteFile struct {
	Path     string
	Size     int64
	Checksum string // sha256 hex, empty when the hub does not publish one
}

// RepositoryCatalog lists the files of a remote repository.
type RepositoryCatalog interface {
	ListFiles(ctx context.Context, repo Repository) ([]RemoteFile, error)
}

// FileSource opens a remote file for reading starting at offset.
type FileSource interface {
	Open(ctx context.Context, repo Repository, path string, offset int64) (io.ReadCloser, error)
}

// Spec is a transfer request as submitted by a caller.
type Spec struct {
	Repo        Repository `json:"repo"`
	Destination string     `json:"destination"`
	Files       []string   `json:"files,omitempty"`
	Priority    int        `json:"priority,omitempty"`
}

// FileEntry tracks one remote file that belongs to a task.
type FileEntry struct {
	Path         string `json:"path"`
	Size         *int64 `json:"size,omitempty"`
	Materialized int64  `json:"materialized"`
	Checksum     string `json:"checksum,omitempty"`
	Verified     bool   `json:"verified"`
	Complete     bool   `json:"complete"`
}

// Remaining returns the bytes still to be transferred, or 0 when the size is unknown.
func (f FileEntry) Remaining() int64 {
	if f.Size == nil {
		return 0
	}

	if r := *f.Size - f.Materialized; r > 0 {
		return r
	}

	return 0
}

// RetryState is attached to a task and describes its automatic retries.
type RetryState struct {
	Attempts       int            `json:"attempts"`
	NextEligibleAt *time.Time     `json:"next_eligible_at,omitempty"`
	LastClass      Classification `json:"last_class,omitempty"`
}

// Task is a unit of work representing one repository download.
type Task struct {
	ID               TaskID      `json:"id"`
	Repo             Repository  `json:"repo"`
	Destination      string      `json:"destination"`
	Files            []string    `json:"files,omitempty"`
	Priority         int         `json:"priority"`
	Status           Status      `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	TotalBytes       *int64      `json:"total_bytes,omitempty"`
	TransferredBytes int64       `json:"transferred_bytes"`
	Speed            float64     `json:"speed_bps"`
	ETA              *float64    `json:"eta_seconds,omitempty"`
	Retry            RetryState  `json:"retry"`
	LastError        *ErrorInfo  `json:"last_error,omitempty"`
	Entries          []FileEntry `json:"entries,omitempty"`

	// Revision increases on every mutation that should reach the store.
	Revision uint64 `json:"revision"`
}

// Snapshot is a detached copy of a task, safe to hand to other goroutines.
type Snapshot = Task

// IsTerminal reports whether the task can no longer change state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.Retry.NextEligibleAt == nil
	}

	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() Task {
	c := *t
	c.Files = append([]string(nil), t.Files...)
	c.Entries = make([]FileEntry, len(t.Entries))

	for i, e := range t.Entries {
		c.Entries[i] = e
		if e.Size != nil {
			size := *e.Size
			c.Entries[i].Size = &size
		}
	}

	if t.TotalBytes != nil {
		total := *t.TotalBytes
		c.TotalBytes = &total
	}

	if t.LastError != nil {
		info := *t.LastError
		c.LastError = &info
	}

	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.Retry.NextEligibleAt = copyTime(t.Retry.NextEligibleAt)

	if t.ETA != nil {
		eta := *t.ETA
		c.ETA = &eta
	}

	return c
}

// SumMaterialized recomputes TransferredBytes from the file entries.
func (t *Task) SumMaterialized() int64 {
	var sum int64
	for _, e := range t.Entries {
		sum += e.Materialized
	}

	return sum
}

// RaiseTotal sets the total size when it is unknown or larger than the current value.
func (t *Task) RaiseTotal(total int64) {
	if t.TotalBytes == nil || *t.TotalBytes < total {
		t.TotalBytes = &total
	}
}

// ClampPriority keeps a priority within the accepted range, mapping 0 to the default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}

	return p
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}
