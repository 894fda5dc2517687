package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/queue"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

const maxBodySize = 1 << 20

// TaskQueue is the control surface served over HTTP. *queue.Manager implements it.
type TaskQueue interface {
	Submit(ctx context.Context, spec transfer.Spec) (transfer.TaskID, error)
	Pause(ctx context.Context, id transfer.TaskID) error
	Resume(ctx context.Context, id transfer.TaskID) error
	Cancel(ctx context.Context, id transfer.TaskID) error
	SetPriority(ctx context.Context, id transfer.TaskID, priority int) error
	PauseAll(ctx context.Context) (int, error)
	ResumeAll(ctx context.Context) (int, error)
	GetStatus(ctx context.Context, id transfer.TaskID) (transfer.Snapshot, error)
	ListTasks(ctx context.Context, f queue.Filter) ([]transfer.Snapshot, error)
	Stats() queue.Stats
}

type submitResponse struct {
	ID transfer.TaskID `json:"id"`
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

type batchResponse struct {
	Affected int    `json:"affected"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Field       string `json:"field,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

type TaskHandler struct {
	queue              TaskQueue
	username           string
	password           string
	defaultDestination string
}

// NewTaskHandler creates the task API. Basic auth is enforced when username is set.
// Submissions without a destination are placed under defaultDestination/<repo id>.
func NewTaskHandler(q TaskQueue, username, password, defaultDestination string) *TaskHandler {
	return &TaskHandler{
		queue:              q,
		username:           username,
		password:           password,
		defaultDestination: defaultDestination,
	}
}

func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.BasicAuth)

	r.Get("/stats", h.HandleStats)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)
		r.Post("/pause-all", h.HandlePauseAll)
		r.Post("/resume-all", h.HandleResumeAll)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Post("/pause", h.control((TaskQueue).Pause))
			r.Post("/resume", h.control((TaskQueue).Resume))
			r.Post("/cancel", h.control((TaskQueue).Cancel))
			r.Put("/priority", h.HandleSetPriority)
		})
	})

	return r
}

// HandleSubmit enqueues a download.
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec transfer.Spec
	if err := decode(r, &spec); err != nil {
		writeError(w, r, &transfer.ValidationError{Field: "body", Reason: "must be a JSON transfer request", Err: err})

		return
	}

	if spec.Destination == "" && h.defaultDestination != "" {
		spec.Destination = h.defaultDestination + "/" + strings.Trim(strings.TrimSpace(spec.Repo.ID), "/")
	}

	id, err := h.queue.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, submitResponse{ID: id})
}

// HandleList returns tasks. Query parameters: status (repeatable or comma separated), platform, history.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := queue.Filter{Platform: q.Get("platform")}

	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, transfer.Status(s))
			}
		}
	}

	if v := q.Get("history"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, &transfer.ValidationError{Field: "history", Reason: "must be a boolean", Err: err})

			return
		}

		f.IncludeHistory = include
	}

	tasks, err := h.queue.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if tasks == nil {
		tasks = []transfer.Snapshot{}
	}

	writeJSON(w, r, http.StatusOK, tasks)
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)

		return
	}

	task, err := h.queue.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

// control adapts a per-task operation to a handler that answers with the task's new state.
func (h *TaskHandler) control(op func(TaskQueue, context.Context, transfer.TaskID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, r, err)

			return
		}

		if err := op(h.queue, r.Context(), id); err != nil {
			writeError(w, r, err)

			return
		}

		h.HandleGet(w, r)
	}
}

func (h *TaskHandler) HandleSetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)

		return
	}

	var req priorityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, &transfer.ValidationError{Field: "body", Reason: `must be {"priority": <1-10>}`, Err: err})

		return
	}

	if err := h.queue.SetPriority(r.Context(), id, req.Priority); err != nil {
		writeError(w, r, err)

		return
	}

	h.HandleGet(w, r)
}

func (h *TaskHandler) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.PauseAll(r.Context())
	writeBatch(w, r, n, err)
}

func (h *TaskHandler) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ResumeAll(r.Context())
	writeBatch(w, r, n, err)
}

func (h *TaskHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.queue.Stats())
}

// BasicAuth rejects requests without the configured credentials. It is a no-op when no username is set.
func (h *TaskHandler) BasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="hub_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func taskID(r *http.Request) (transfer.TaskID, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &transfer.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a task id", raw), Err: err}
	}

	return transfer.TaskID(id), nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

func writeBatch(w http.ResponseWriter, r *http.Request, n int, err error) {
	resp := batchResponse{Affected: n}
	status := http.StatusOK

	// Partial failures still report how many tasks changed.
	if err != nil {
		logctx.LoggerFromContext(r.Context()).WarnContext(r.Context(), "batch operation partially failed", "affected", n, "err", err)

		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}

	writeJSON(w, r, status, resp)
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var (
		validation *transfer.ValidationError
		state      *transfer.InvalidStateError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &state):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}

	var validation *transfer.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to handle request", "path", r.URL.Path, "err", err)

		resp.Error = "internal server error"
	} else {
		resp.Remediation = transfer.Describe(err).Remediation
	}

	writeJSON(w, r, status, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
