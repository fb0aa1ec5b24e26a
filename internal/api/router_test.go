package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/taskqueue/internal/auth"
	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/task"
	"github.com/phrazzld/taskqueue/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	handler http.Handler
	jwt     *auth.JWTService
	store   *task.MemoryStore
	auth    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithMetrics(t, nil)
}

func newTestAPIWithMetrics(t *testing.T, provider *metrics.Provider) *testAPI {
	t.Helper()

	st := task.NewMemoryStore()
	deps := task.Deps{
		Store: st,
		Logs:  st,
		Locks: lock.NewService(lock.NewMemoryStore()),
	}
	cfg := RouterConfig{Logger: logger.Discard()}
	if provider != nil {
		sink, err := metrics.New(provider.MeterProvider())
		require.NoError(t, err)
		deps.Metrics = sink
		cfg.Metrics = provider
	}
	retry := task.NewRetryManager(deps, nil)
	queue := task.NewQueue(deps, task.QueueConfig{}, task.NewRegistry(), retry)
	svc := task.NewService(deps, queue, retry, nil)

	jwtSvc := testutils.NewTestJWTService(t)
	cfg.Tasks = svc
	cfg.Auth = jwtSvc
	return &testAPI{
		handler: NewRouter(cfg),
		jwt:     jwtSvc,
		store:   st,
		auth:    testutils.AuthHeader(t, jwtSvc, "scheduler"),
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return testutils.DoRequest(t, a.handler, testutils.Request{
		Method:     method,
		Path:       path,
		Body:       body,
		AuthHeader: a.auth,
	})
}

func (a *testAPI) create(t *testing.T, body any) string {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	return testutils.DecodeJSON[CreateTaskResponse](t, resp).ID
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"type":     "sync",
		"priority": 9,
		"payload":  map[string]any{"article_id": 42},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	id := testutils.DecodeJSON[CreateTaskResponse](t, resp).ID
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/tasks/"+id, resp.Header().Get("Location"))

	resp = a.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	got := testutils.DecodeJSON[task.Task](t, resp)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, task.QueueHighPriority, got.QueueName)
	assert.Equal(t, "scheduler", got.CreatedBy)
	assert.JSONEq(t, `{"article_id":42}`, string(got.Payload))
}

func TestCreateTask_Rejects(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	tests := []struct {
		name   string
		body   any
		status int
		want   string
	}{
		{"empty body", nil, http.StatusBadRequest, "Request body is required"},
		{"malformed", `{"type":`, http.StatusBadRequest, "Invalid request format"},
		{"unknown field", `{"type":"sync","colour":"red"}`, http.StatusBadRequest, "Invalid request format"},
		{"missing type", map[string]any{"priority": 5}, http.StatusBadRequest, "Invalid type: required field"},
		{"priority too high", map[string]any{"type": "sync", "priority": 11}, http.StatusBadRequest, "Invalid priority: too large"},
		{"negative delay", map[string]any{"type": "sync", "delay_seconds": -1}, http.StatusBadRequest, "Invalid delay_seconds"},
		{"bad dependency type", map[string]any{
			"type":       "sync",
			"depends_on": []map[string]any{{"task_id": "x", "type": "eventually"}},
		}, http.StatusBadRequest, "Invalid depends_on[0].type: invalid value"},
		{"unknown task type", map[string]any{"type": "teleport"}, http.StatusBadRequest, "Unknown task type"},
		{"expired already", map[string]any{"type": "sync", "expires_at": "2001-01-01T00:00:00Z"}, http.StatusBadRequest, "expires_at must be in the future"},
		{"missing dependency", map[string]any{
			"type":       "sync",
			"depends_on": []map[string]any{{"task_id": "does-not-exist"}},
		}, http.StatusUnprocessableEntity, "Dependency task not found"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := a.do(t, http.MethodPost, "/v1/tasks", tc.body)
			testutils.AssertErrorResponse(t, resp, tc.status, tc.want)
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/v1/tasks/missing", nil)
	traceID := testutils.AssertErrorResponse(t, resp, http.StatusNotFound, "Task not found")
	assert.Len(t, traceID, 32)
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	first := a.create(t, map[string]any{"type": "sync", "queue_name": "reports"})
	a.create(t, map[string]any{"type": "notification", "queue_name": "reports"})
	a.create(t, map[string]any{"type": "sync"})

	resp := a.do(t, http.MethodPost, "/v1/tasks/"+first+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	page := testutils.DecodeJSON[task.Page](t, a.do(t, http.MethodGet, "/v1/tasks?queue=reports", nil))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Tasks, 2)
	assert.Equal(t, task.DefaultPageSize, page.Limit)

	page = testutils.DecodeJSON[task.Page](t, a.do(t, http.MethodGet, "/v1/tasks?queue=reports&status=cancelled", nil))
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, first, page.Tasks[0].ID)

	page = testutils.DecodeJSON[task.Page](t, a.do(t, http.MethodGet, "/v1/tasks?limit=1&offset=1", nil))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Tasks, 1)
	assert.Equal(t, 1, page.Offset)

	resp = a.do(t, http.MethodGet, "/v1/tasks?status=stuck", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusBadRequest, "Invalid status")

	resp = a.do(t, http.MethodGet, "/v1/tasks?limit=ten", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusBadRequest, "Invalid limit")

	resp = a.do(t, http.MethodGet, "/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"tasks":[]`)
}

func TestCancelAndRetry(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	id := a.create(t, map[string]any{"type": "sync"})

	resp := a.do(t, http.MethodPost, "/v1/tasks/"+id+"/retry", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusConflict, "cannot be retried")

	resp = a.do(t, http.MethodPost, "/v1/tasks/"+id+"/cancel", CancelRequest{Reason: "superseded"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, ActionResponse{ID: id, Status: task.StatusCancelled},
		testutils.DecodeJSON[ActionResponse](t, resp))

	got, err := a.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "superseded", got.ErrorMessage)

	resp = a.do(t, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusConflict, "already finished")

	resp = a.do(t, http.MethodPost, "/v1/tasks/"+id+"/retry", RetryRequest{ResetCount: true})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, task.StatusPending, testutils.DecodeJSON[ActionResponse](t, resp).Status)

	resp = a.do(t, http.MethodPost, "/v1/tasks/missing/cancel", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusNotFound, "Task not found")
}

func TestBulkCancel(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	ids := []string{
		a.create(t, map[string]any{"type": "sync"}),
		a.create(t, map[string]any{"type": "sync"}),
	}
	resp := a.do(t, http.MethodPost, "/v1/tasks/"+ids[1]+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = a.do(t, http.MethodPost, "/v1/tasks/cancel", BulkCancelRequest{
		IDs:    append(ids, "missing"),
		Reason: "maintenance",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, BulkCancelResponse{Requested: 3, Cancelled: 1},
		testutils.DecodeJSON[BulkCancelResponse](t, resp))

	resp = a.do(t, http.MethodPost, "/v1/tasks/cancel", BulkCancelRequest{})
	testutils.AssertErrorResponse(t, resp, http.StatusBadRequest, "Invalid ids")
}

func TestExecutionLogs(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	id := a.create(t, map[string]any{"type": "sync"})

	resp := a.do(t, http.MethodGet, "/v1/tasks/"+id+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"task_id":"`+id+`","logs":[]}`, resp.Body.String())

	resp = a.do(t, http.MethodGet, "/v1/tasks/missing/logs", nil)
	testutils.AssertErrorResponse(t, resp, http.StatusNotFound, "Task not found")
}

func TestQueueHealth(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.create(t, map[string]any{"type": "sync"})

	resp := a.do(t, http.MethodGet, "/v1/queues/health?queue=sync", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	h := testutils.DecodeJSON[task.Health](t, resp)
	assert.Equal(t, task.HealthHealthy, h.Status)
	assert.Equal(t, "sync", h.Queue)
	assert.Equal(t, 1, h.Stats.Pending)
}

func TestRoutesRequireAuth(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	for _, path := range []string{"/v1/tasks", "/v1/tasks/x", "/v1/queues/health"} {
		resp := testutils.DoRequest(t, a.handler, testutils.Request{Method: http.MethodGet, Path: path})
		testutils.AssertErrorResponse(t, resp, http.StatusUnauthorized, "Authorization header required")
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	t.Parallel()

	svc := testutils.NewTestJWTService(t)
	stub := &stubService{}

	up := NewRouter(RouterConfig{Tasks: stub, Auth: svc, DB: pingerFunc(func(context.Context) error { return nil })})
	resp := testutils.DoRequest(t, up, testutils.Request{Method: http.MethodGet, Path: "/healthz"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())

	down := NewRouter(RouterConfig{Tasks: stub, Auth: svc, DB: pingerFunc(func(context.Context) error {
		return errors.New("dial tcp 10.0.0.5:5432: connection refused")
	})})
	resp = testutils.DoRequest(t, down, testutils.Request{Method: http.MethodGet, Path: "/healthz"})
	testutils.AssertErrorResponse(t, resp, http.StatusServiceUnavailable, "Database unavailable")
	assert.NotContains(t, resp.Body.String(), "10.0.0.5")
}

type metricsFunc func(context.Context) ([]metrics.Point, error)

func (f metricsFunc) Snapshot(ctx context.Context) ([]metrics.Point, error) { return f(ctx) }

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	provider := metrics.NewProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	a := newTestAPIWithMetrics(t, provider)

	a.create(t, map[string]any{"type": "sync", "priority": 9})

	resp := a.do(t, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := testutils.DecodeJSON[struct {
		Metrics []metrics.Point `json:"metrics"`
	}](t, resp)

	var enqueued *metrics.Point
	for i := range body.Metrics {
		if body.Metrics[i].Name == "taskqueue.tasks.enqueued" {
			enqueued = &body.Metrics[i]
		}
	}
	require.NotNil(t, enqueued, "enqueued counter missing from %s", resp.Body.String())
	assert.Equal(t, 1.0, enqueued.Value)
	assert.Equal(t, task.QueueHighPriority, enqueued.Attributes["queue"])

	resp = testutils.DoRequest(t, a.handler, testutils.Request{Method: http.MethodGet, Path: "/v1/metrics"})
	testutils.AssertErrorResponse(t, resp, http.StatusUnauthorized, "Authorization header required")
}

func TestMetricsEndpoint_CollectFailure(t *testing.T) {
	t.Parallel()

	svc := testutils.NewTestJWTService(t)
	h := NewRouter(RouterConfig{
		Tasks: &stubService{},
		Auth:  svc,
		Metrics: metricsFunc(func(context.Context) ([]metrics.Point, error) {
			return nil, errors.New("reader is shutdown")
		}),
	})
	resp := testutils.DoRequest(t, h, testutils.Request{
		Method:     http.MethodGet,
		Path:       "/v1/metrics",
		AuthHeader: testutils.AuthHeader(t, svc, "scheduler"),
	})
	testutils.AssertErrorResponse(t, resp, http.StatusInternalServerError, "Failed to collect metrics")
	assert.NotContains(t, resp.Body.String(), "shutdown")
}

func TestMetricsEndpoint_NotMountedWithoutSource(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/v1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
