package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/hub_downloader/internal/transfer"
)

// ErrStaleRevision is returned by Save when a newer revision of the task is already stored.
var ErrStaleRevision = errors.New("stale task revision")

// TaskStore persists task snapshots so downloads survive restarts.
type TaskStore interface {
	// Save upserts a snapshot together with its file entries.
	Save(ctx context.Context, task transfer.Snapshot) error
	// Load returns transfer.ErrTaskNotFound for unknown ids.
	Load(ctx context.Context, id transfer.TaskID) (transfer.Snapshot, error)
	// LoadAll returns every stored task ordered by id.
	LoadAll(ctx context.Context) ([]transfer.Snapshot, error)
	Delete(ctx context.Context, id transfer.TaskID) error
}

// HistoryStore finds finished tasks for retention pruning.
type HistoryStore interface {
	// FinishedBefore returns terminal tasks that completed before cutoff.
	FinishedBefore(ctx context.Context, cutoff time.Time) ([]transfer.TaskID, error)
	Delete(ctx context.Context, id transfer.TaskID) error
}
