package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 10 * time.Second
)

// Subscriber is the event source for streaming clients. *events.Hub implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// EventHandler streams task events over a websocket.
type EventHandler struct {
	hub        Subscriber
	acceptOpts *websocket.AcceptOptions
}

func NewEventHandler(hub Subscriber, originPatterns []string) *EventHandler {
	return &EventHandler{
		hub:        hub,
		acceptOpts: &websocket.AcceptOptions{OriginPatterns: originPatterns},
	}
}

// HandleEvents upgrades the connection and writes one JSON message per event.
// Query parameters: task_id limits the stream to one task, progress=false drops progress events.
func (h *EventHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var only transfer.TaskID

	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, &transfer.ValidationError{Field: "task_id", Reason: "must be an integer", Err: err})

			return
		}

		only = transfer.TaskID(id)
	}

	progress := r.URL.Query().Get("progress") != "false"

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to accept websocket", "err", err)

		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := h.hub.Subscribe(subscriberBuffer)
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	logger.DebugContext(ctx, "event stream opened", "task_id", only)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")

				return
			}

			if only != 0 && ev.Payload.TaskID != only {
				continue
			}

			if !progress && ev.Name == events.TaskProgress {
				continue
			}

			if err := write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.DebugContext(ctx, "event stream write failed", "err", err)
				}

				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}
