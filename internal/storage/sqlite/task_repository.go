package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/hub_downloader/internal/storage"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const taskColumns = `id, platform, repo_id, repo_revision, destination, selected_files, priority, status,
	created_at, started_at, completed_at, total_bytes, transferred_bytes, attempts, next_eligible_at,
	last_class, last_error, revision`

// TaskRepository stores task snapshots in the tasks and task_files tables.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{db: dbConn}
}

// Save upserts a snapshot. A snapshot older than the stored revision is rejected with storage.ErrStaleRevision.
func (r *TaskRepository) Save(ctx context.Context, task transfer.Snapshot) error {
	files, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("failed to encode selected files: %w", err)
	}

	var lastError sql.NullString

	if task.LastError != nil {
		b, err := json.Marshal(task.LastError)
		if err != nil {
			return fmt.Errorf("failed to encode last error: %w", err)
		}

		lastError = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			repo_id = excluded.repo_id,
			repo_revision = excluded.repo_revision,
			destination = excluded.destination,
			selected_files = excluded.selected_files,
			priority = excluded.priority,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			total_bytes = excluded.total_bytes,
			transferred_bytes = excluded.transferred_bytes,
			attempts = excluded.attempts,
			next_eligible_at = excluded.next_eligible_at,
			last_class = excluded.last_class,
			last_error = excluded.last_error,
			revision = excluded.revision
		WHERE excluded.revision >= tasks.revision`,
		task.ID, task.Repo.Platform, task.Repo.ID, task.Repo.Revision, task.Destination, string(files),
		task.Priority, string(task.Status), formatTime(&task.CreatedAt), nullTime(task.StartedAt),
		nullTime(task.CompletedAt), nullInt(task.TotalBytes), task.TransferredBytes, task.Retry.Attempts,
		nullTime(task.Retry.NextEligibleAt), string(task.Retry.LastClass), lastError, task.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", task.ID, err)
	}

	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return storage.ErrStaleRevision
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to clear files of task %d: %w", task.ID, err)
	}

	for _, e := range task.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_files (task_id, path, size, materialized, checksum, verified, complete)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.ID, e.Path, nullInt(e.Size), e.Materialized, e.Checksum, e.Verified, e.Complete,
		)
		if err != nil {
			return fmt.Errorf("failed to store file %s of task %d: %w", e.Path, task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task %d: %w", task.ID, err)
	}

	return nil
}

// Load returns a single task, or transfer.ErrTaskNotFound.
func (r *TaskRepository) Load(ctx context.Context, id transfer.TaskID) (transfer.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Snapshot{}, transfer.ErrTaskNotFound
	}

	if err != nil {
		return transfer.Snapshot{}, fmt.Errorf("failed to load task %d: %w", id, err)
	}

	entries, err := r.loadEntries(ctx, id)
	if err != nil {
		return transfer.Snapshot{}, err
	}

	task.Entries = entries

	return task, nil
}

// LoadAll returns every stored task ordered by id.
func (r *TaskRepository) LoadAll(ctx context.Context) ([]transfer.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer rows.Close()

	var tasks []transfer.Snapshot

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	// Entries are read after the cursor is closed; the pool has a single connection.
	rows.Close()

	for i := range tasks {
		entries, err := r.loadEntries(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}

		tasks[i].Entries = entries
	}

	return tasks, nil
}

// Delete removes a task and its file entries. Unknown ids are ignored.
func (r *TaskRepository) Delete(ctx context.Context, id transfer.TaskID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}

	return nil
}

// FinishedBefore returns completed, cancelled and terminally failed tasks that finished before cutoff.
func (r *TaskRepository) FinishedBefore(ctx context.Context, cutoff time.Time) ([]transfer.TaskID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE (status IN (?, ?) OR (status = ? AND next_eligible_at IS NULL))
		AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY id`,
		string(transfer.StatusCompleted), string(transfer.StatusCancelled), string(transfer.StatusFailed),
		formatTime(&cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query finished tasks: %w", err)
	}

	defer rows.Close()

	var ids []transfer.TaskID

	for rows.Next() {
		var id transfer.TaskID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *TaskRepository) loadEntries(ctx context.Context, id transfer.TaskID) ([]transfer.FileEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, size, materialized, checksum, verified, complete
		FROM task_files WHERE task_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query files of task %d: %w", id, err)
	}

	defer rows.Close()

	var entries []transfer.FileEntry

	for rows.Next() {
		var (
			e    transfer.FileEntry
			size sql.NullInt64
		)

		if err := rows.Scan(&e.Path, &size, &e.Materialized, &e.Checksum, &e.Verified, &e.Complete); err != nil {
			return nil, fmt.Errorf("failed to scan file of task %d: %w", id, err)
		}

		if size.Valid {
			v := size.Int64
			e.Size = &v
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (transfer.Snapshot, error) {
	var (
		task                                        transfer.Snapshot
		files, status, lastClass, createdAt         string
		startedAt, completedAt, nextEligible, lastE sql.NullString
		totalBytes                                  sql.NullInt64
	)

	err := s.Scan(
		&task.ID, &task.Repo.Platform, &task.Repo.ID, &task.Repo.Revision, &task.Destination, &files,
		&task.Priority, &status, &createdAt, &startedAt, &completedAt, &totalBytes, &task.TransferredBytes,
		&task.Retry.Attempts, &nextEligible, &lastClass, &lastE, &task.Revision,
	)
	if err != nil {
		return task, err
	}

	task.Status = transfer.Status(status)
	task.Retry.LastClass = transfer.Classification(lastClass)

	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return task, fmt.Errorf("failed to decode selected files: %w", err)
	}

	if len(task.Files) == 0 {
		task.Files = nil
	}

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return task, err
	}

	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return task, err
	}

	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return task, err
	}

	if task.Retry.NextEligibleAt, err = parseNullTime(nextEligible); err != nil {
		return task, err
	}

	if totalBytes.Valid {
		v := totalBytes.Int64
		task.TotalBytes = &v
	}

	if lastE.Valid {
		var info transfer.ErrorInfo
		if err := json.Unmarshal([]byte(lastE.String), &info); err != nil {
			return task, fmt.Errorf("failed to decode last error: %w", err)
		}

		task.LastError = &info
	}

	return task, nil
}

func formatTime(t *time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}

	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}

	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
