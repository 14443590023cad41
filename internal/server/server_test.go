package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCore records calls and returns scripted results.
type fakeCore struct {
	submitErr      error
	submittedType  string
	submittedPrio  int
	cancelErr      error
	cancelledID    string
	priorityErr    error
	setPrio        int
	pausedID       string
	resumedID      string
	task           *domain.Task
	getErr         error
	cancelAllRes   domain.CancelResult
	byTypeArg      string
	includeRunning bool
}

func (f *fakeCore) Submit(taskType string, _ domain.Payload, priority int) (string, error) {
	f.submittedType = taskType
	f.submittedPrio = priority
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "task-123", nil
}

func (f *fakeCore) Get(string) (*domain.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.task, nil
}

func (f *fakeCore) Cancel(id string) error {
	f.cancelledID = id
	return f.cancelErr
}

func (f *fakeCore) CancelAll(includeRunning bool) domain.CancelResult {
	f.includeRunning = includeRunning
	return f.cancelAllRes
}

func (f *fakeCore) CancelByType(taskType string, includeRunning bool) domain.CancelResult {
	f.byTypeArg = taskType
	f.includeRunning = includeRunning
	return f.cancelAllRes
}

func (f *fakeCore) SetPriority(id string, priority int) error {
	f.setPrio = priority
	return f.priorityErr
}

func (f *fakeCore) Pause(id string) error  { f.pausedID = id; return nil }
func (f *fakeCore) Resume(id string) error { f.resumedID = id; return nil }

func (f *fakeCore) Stats() domain.TaskStats                { return domain.TaskStats{Total: 5, Completed: 5} }
func (f *fakeCore) TypeStats() map[string]domain.TaskStats { return nil }
func (f *fakeCore) PoolStats() map[string]domain.PoolStats {
	return map[string]domain.PoolStats{"embedding": {Name: "embedding", MaxWorkers: 2}}
}

func newTestServer(core *fakeCore) *Server {
	return New("127.0.0.1:0", core, nil, nil, zap.NewNop())
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeCore{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitAccepted(t *testing.T) {
	core := &fakeCore{}
	rec := do(t, newTestServer(core), http.MethodPost, "/api/v1/tasks",
		`{"type":"embed_text","payload":{"file_id":"f1"},"priority":7}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "embed_text", core.submittedType)
	assert.Equal(t, 7, core.submittedPrio)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "task-123", body["task_id"])
}

func TestSubmitDefaultsPriority(t *testing.T) {
	core := &fakeCore{}
	rec := do(t, newTestServer(core), http.MethodPost, "/api/v1/tasks",
		`{"type":"embed_text","payload":{}}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.DefaultPriority, core.submittedPrio)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"missing type", `{"payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestServer(&fakeCore{}), http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION", decodeError(t, rec).Error.Code)
		})
	}
}

func TestDomainErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown type", domain.ErrUnknownTaskType, http.StatusBadRequest, "VALIDATION"},
		{"queue full", domain.ErrQueueFull, http.StatusTooManyRequests, "QUEUE_FULL"},
		{"stopped", domain.ErrSchedulerStopped, http.StatusServiceUnavailable, "STOPPED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{submitErr: tt.err}
			rec := do(t, newTestServer(core), http.MethodPost, "/api/v1/tasks",
				`{"type":"embed_text","payload":{}}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	core := &fakeCore{task: &domain.Task{
		ID:        "task-123",
		Type:      "embed_text",
		Status:    domain.TaskStatusCompleted,
		Priority:  5,
		CreatedAt: time.Now(),
	}}
	rec := do(t, newTestServer(core), http.MethodGet, "/api/v1/tasks/task-123", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var task domain.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	assert.Equal(t, "task-123", task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	core := &fakeCore{getErr: domain.ErrTaskNotFound}
	rec := do(t, newTestServer(core), http.MethodGet, "/api/v1/tasks/ghost", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}

func TestCancelTask(t *testing.T) {
	core := &fakeCore{}
	rec := do(t, newTestServer(core), http.MethodDelete, "/api/v1/tasks/task-123", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-123", core.cancelledID)
}

func TestCancelTerminalTaskNotFound(t *testing.T) {
	core := &fakeCore{cancelErr: domain.ErrTaskNotFound}
	rec := do(t, newTestServer(core), http.MethodDelete, "/api/v1/tasks/task-123", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkCancelAll(t *testing.T) {
	core := &fakeCore{cancelAllRes: domain.CancelResult{Cancelled: 4, Failed: 1}}
	rec := do(t, newTestServer(core), http.MethodPost, "/api/v1/tasks/cancel",
		`{"include_running":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, core.includeRunning)

	var res domain.CancelResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 4, res.Cancelled)
	assert.Equal(t, 1, res.Failed)
}

func TestBulkCancelByType(t *testing.T) {
	core := &fakeCore{}
	rec := do(t, newTestServer(core), http.MethodPost, "/api/v1/tasks/cancel",
		`{"type":"embed_video"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "embed_video", core.byTypeArg)
}

func TestSetPriority(t *testing.T) {
	core := &fakeCore{}
	rec := do(t, newTestServer(core), http.MethodPut, "/api/v1/tasks/task-123/priority",
		`{"priority":9}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, core.setPrio)
}

func TestPauseResume(t *testing.T) {
	core := &fakeCore{}
	srv := newTestServer(core)

	rec := do(t, srv, http.MethodPost, "/api/v1/tasks/task-123/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-123", core.pausedID)

	rec = do(t, srv, http.MethodPost, "/api/v1/tasks/task-123/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-123", core.resumedID)
}

func TestStatsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(&fakeCore{}), http.MethodGet, "/api/v1/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body, "tasks")
	assert.Contains(t, body, "pools")
	// No controller and no residency wired: their sections are omitted.
	assert.NotContains(t, body, "batch_size")
	assert.NotContains(t, body, "models")
}

func TestUnknownRoute(t *testing.T) {
	rec := do(t, newTestServer(&fakeCore{}), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}
