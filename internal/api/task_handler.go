package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskqueue/internal/api/shared"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/phrazzld/taskqueue/internal/task"
)

// TaskService is the part of task.Service used by the API.
type TaskService interface {
	CreateTask(ctx context.Context, req task.CreateRequest) (string, error)
	GetTaskStatus(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f task.Filter) (task.Page, error)
	ExecutionLogs(ctx context.Context, id string) ([]*task.ExecutionLog, error)
	CancelTask(ctx context.Context, id, reason string) (bool, error)
	CancelTasks(ctx context.Context, ids []string, reason string) (int, error)
	RetryTask(ctx context.Context, id string, resetCount bool) (bool, error)
	Health(ctx context.Context, queue string) (task.Health, error)
}

var _ TaskService = (*task.Service)(nil)

// TaskHandler handles the /v1/tasks and /v1/queues routes.
type TaskHandler struct {
	tasks TaskService
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService) *TaskHandler {
	if tasks == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("task service cannot be nil for TaskHandler")
	}
	return &TaskHandler{tasks: tasks}
}

// CreateTask handles POST /v1/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}

	subject, _ := shared.Subject(r.Context())
	id, err := h.tasks.CreateTask(r.Context(), req.toServiceRequest(subject))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			shared.RespondWithErrorAndLog(w, r, http.StatusUnprocessableEntity, "Dependency task not found", err)
			return
		}
		HandleAPIError(w, r, err, "Failed to create task")
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+id)
	shared.RespondWithJSON(w, r, http.StatusCreated, CreateTaskResponse{ID: id})
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// ListTasks handles GET /v1/tasks. Supported query parameters are status,
// type, queue, created_by, limit and offset.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Status:    task.Status(q.Get("status")),
		Type:      task.Type(q.Get("type")),
		QueueName: q.Get("queue"),
		CreatedBy: q.Get("created_by"),
	}
	if f.Status != "" && !f.Status.Valid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status")
		return
	}

	var ok bool
	if f.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if f.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	page, err := h.tasks.ListTasks(r.Context(), f)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	if page.Tasks == nil {
		page.Tasks = []*task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, page)
}

// ExecutionLogs handles GET /v1/tasks/{id}/logs.
func (h *TaskHandler) ExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := h.tasks.ExecutionLogs(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get execution logs")
		return
	}
	if logs == nil {
		logs = []*task.ExecutionLog{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, LogsResponse{TaskID: id, Logs: logs})
}

// CancelTask handles POST /v1/tasks/{id}/cancel. A task that has already
// finished yields 409.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	id := chi.URLParam(r, "id")
	ok, err := h.tasks.CancelTask(r.Context(), id, req.Reason)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}
	if !ok {
		shared.RespondWithError(w, r, http.StatusConflict, "Task has already finished")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ActionResponse{ID: id, Status: task.StatusCancelled})
}

// CancelTasks handles POST /v1/tasks/cancel. Tasks that are not pending or
// running are skipped. When some batches fail the response still reports
// the tasks that were cancelled and is marked partial.
func (h *TaskHandler) CancelTasks(w http.ResponseWriter, r *http.Request) {
	var req BulkCancelRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}

	n, err := h.tasks.CancelTasks(r.Context(), req.IDs, req.Reason)
	resp := BulkCancelResponse{Requested: len(req.IDs), Cancelled: n}
	if err != nil {
		if n == 0 {
			HandleAPIError(w, r, err, "Failed to cancel tasks")
			return
		}
		logger.FromContext(r.Context()).Warn("bulk cancel partially failed",
			slog.Int("requested", len(req.IDs)),
			slog.Int("cancelled", n),
			slog.Any("error", err))
		resp.Partial = true
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// RetryTask handles POST /v1/tasks/{id}/retry. Only failed or cancelled
// tasks that have not expired can be retried; anything else yields 409.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	id := chi.URLParam(r, "id")
	ok, err := h.tasks.RetryTask(r.Context(), id, req.ResetCount)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry task")
		return
	}
	if !ok {
		shared.RespondWithError(w, r, http.StatusConflict, "Task cannot be retried")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ActionResponse{ID: id, Status: task.StatusPending})
}

// QueueHealth handles GET /v1/queues/health. The optional queue parameter
// narrows the report to one queue. A critical queue is reported with 503.
func (h *TaskHandler) QueueHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.tasks.Health(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to check queue health")
		return
	}

	status := http.StatusOK
	if health.Status == task.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, health)
}

// decodeAndValidate decodes the body into v and validates it, writing a 400
// on failure. When required is false an empty body leaves v untouched.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	if err := shared.DecodeJSON(w, r, v); err != nil {
		switch {
		case errors.Is(err, shared.ErrEmptyBody) && !required:
		case errors.Is(err, shared.ErrEmptyBody):
			shared.RespondWithError(w, r, http.StatusBadRequest, "Request body is required")
			return false
		default:
			shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
			return false
		}
	}
	if err := shared.ValidateRequest(v); err != nil {
		HandleValidationError(w, r, err)
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return n, true
}
