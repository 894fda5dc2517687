package events

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

// Event names published by the queue manager.
const (
	TaskQueued          = "task.queued"
	TaskStarted         = "task.started"
	TaskProgress        = "task.progress"
	TaskPaused          = "task.paused"
	TaskResumed         = "task.resumed"
	TaskCompleted       = "task.completed"
	TaskFailed          = "task.failed"
	TaskRetrying        = "task.retrying"
	TaskCancelled       = "task.cancelled"
	TaskPriorityChanged = "task.priority_changed"
)

// Payload describes the task an event refers to.
type Payload struct {
	TaskID      transfer.TaskID     `json:"task_id"`
	Repo        transfer.Repository `json:"repo"`
	Status      transfer.Status     `json:"status"`
	Priority    int                 `json:"priority"`
	Transferred int64               `json:"transferred_bytes"`
	Total       *int64              `json:"total_bytes,omitempty"`
	Speed       float64             `json:"speed_bps,omitempty"`
	Attempt     int                 `json:"attempt,omitempty"`
	RetryAt     *time.Time          `json:"retry_at,omitempty"`
	Error       *transfer.ErrorInfo `json:"error,omitempty"`
	At          time.Time           `json:"at"`
}

// Event is a published name and payload.
type Event struct {
	Name    string  `json:"event"`
	Payload Payload `json:"payload"`
}

// Sink receives task lifecycle events. Publish errors are logged by the caller and never
// affect the task.
type Sink interface {
	Publish(ctx context.Context, name string, payload Payload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, name string, payload Payload) error

func (f SinkFunc) Publish(ctx context.Context, name string, payload Payload) error {
	return f(ctx, name, payload)
}

// MultiSink publishes to every sink and collects their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, name string, payload Payload) error {
	var result *multierror.Error

	for _, s := range m {
		if err := s.Publish(ctx, name, payload); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// LogSink writes every event to the context logger. Progress events go to debug.
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, name string, p Payload) error {
	logger := logctx.LoggerFromContext(ctx)
	attrs := []any{"event", name, "task_id", p.TaskID, "repo_id", p.Repo.ID, "status", p.Status}

	switch name {
	case TaskProgress:
		logger.DebugContext(ctx, "task event", append(attrs, "transferred", p.Transferred)...)
	case TaskFailed, TaskRetrying:
		if p.Error != nil {
			attrs = append(attrs, "err", p.Error.Message, "classification", p.Error.Classification)
		}

		logger.WarnContext(ctx, "task event", append(attrs, "attempt", p.Attempt)...)
	default:
		logger.InfoContext(ctx, "task event", attrs...)
	}

	return nil
}

// Hub fans events out to subscribers, such as websocket clients.
// A subscriber that does not keep up loses events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Event, max(buffer, 1))
	h.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, id)
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

func (h *Hub) Publish(ctx context.Context, name string, payload Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{Name: name, Payload: payload}

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "dropping event for slow subscriber", "subscriber", id, "event", name)
		}
	}

	return nil
}
