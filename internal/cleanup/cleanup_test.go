package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/italolelis/hub_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHistory struct {
	finishedBeforeFunc func(ctx context.Context, cutoff time.Time) ([]transfer.TaskID, error)
	deleteFunc         func(ctx context.Context, id transfer.TaskID) error
	deleted            []transfer.TaskID
}

func (m *mockHistory) FinishedBefore(ctx context.Context, cutoff time.Time) ([]transfer.TaskID, error) {
	return m.finishedBeforeFunc(ctx, cutoff)
}

func (m *mockHistory) Delete(ctx context.Context, id transfer.TaskID) error {
	if m.deleteFunc != nil {
		if err := m.deleteFunc(ctx, id); err != nil {
			return err
		}
	}

	m.deleted = append(m.deleted, id)

	return nil
}

type countingCache struct{ calls int }

func (c *countingCache) Prune() int {
	c.calls++

	return 1
}

func TestPruneHistory(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var cutoff time.Time

	store := &mockHistory{
		finishedBeforeFunc: func(_ context.Context, c time.Time) ([]transfer.TaskID, error) {
			cutoff = c

			return []transfer.TaskID{1, 2, 3}, nil
		},
		deleteFunc: func(_ context.Context, id transfer.TaskID) error {
			if id == 2 {
				return errors.New("database is locked")
			}

			return nil
		},
	}

	n, err := PruneHistory(context.Background(), store, 24*time.Hour, now)
	require.Error(t, err)
	assert.ErrorContains(t, err, "task 2: database is locked")
	assert.Equal(t, 2, n)
	assert.Equal(t, []transfer.TaskID{1, 3}, store.deleted)
	assert.Equal(t, now.Add(-24*time.Hour), cutoff)
}

func TestPruneHistory_ListFailure(t *testing.T) {
	store := &mockHistory{finishedBeforeFunc: func(context.Context, time.Time) ([]transfer.TaskID, error) {
		return nil, errors.New("no such table")
	}}

	_, err := PruneHistory(context.Background(), store, time.Hour, time.Now())
	require.ErrorContains(t, err, "failed to list finished tasks")
}

func TestCleaner_Clean(t *testing.T) {
	store := &mockHistory{finishedBeforeFunc: func(context.Context, time.Time) ([]transfer.TaskID, error) {
		return []transfer.TaskID{4}, nil
	}}
	cache := &countingCache{}

	c := NewCleaner(store, time.Hour, time.Minute, cache)
	c.Clean(context.Background())

	assert.Equal(t, []transfer.TaskID{4}, store.deleted)
	assert.Equal(t, 1, cache.calls)

	disabled := NewCleaner(store, 0, time.Minute)
	disabled.Clean(context.Background())
	assert.Len(t, store.deleted, 1)
}

func TestCleaner_RunStopsWithContext(t *testing.T) {
	cache := &countingCache{}
	c := NewCleaner(nil, 0, time.Hour, cache)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 1, cache.calls)
}
