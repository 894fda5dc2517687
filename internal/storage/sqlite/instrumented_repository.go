package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/hub_downloader/internal/telemetry"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTaskRepository) Save(ctx context.Context, task transfer.Snapshot) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_task", func(ctx context.Context) error {
		return r.repo.Save(ctx, task)
	})
}

func (r *InstrumentedTaskRepository) Load(ctx context.Context, id transfer.TaskID) (transfer.Snapshot, error) {
	var result transfer.Snapshot

	err := r.telemetry.InstrumentDBOperation(ctx, "load_task", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Load(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedTaskRepository) LoadAll(ctx context.Context) ([]transfer.Snapshot, error) {
	var result []transfer.Snapshot

	err := r.telemetry.InstrumentDBOperation(ctx, "load_all_tasks", func(ctx context.Context) error {
		var err error
		result, err = r.repo.LoadAll(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTaskRepository) Delete(ctx context.Context, id transfer.TaskID) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedTaskRepository) FinishedBefore(ctx context.Context, cutoff time.Time) ([]transfer.TaskID, error) {
	var result []transfer.TaskID

	err := r.telemetry.InstrumentDBOperation(ctx, "finished_before", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FinishedBefore(ctx, cutoff)

		return err
	})

	return result, err
}
