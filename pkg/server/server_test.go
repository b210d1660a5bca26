package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/memory"
)

// blockingHandler holds its step until the context ends.
type blockingHandler struct{ started chan struct{} }

func (h *blockingHandler) Handle(ctx context.Context, _ *pipeline.Step, _ any) (pipeline.Outcome, error) {
	close(h.started)
	<-ctx.Done()
	return pipeline.Outcome{}, ctx.Err()
}

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
	reg   *handlers.Registry
	exec  *pipeline.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	reg := handlers.NewBuiltinRegistry(handlers.Options{})
	exec, err := pipeline.NewExecutor(store, reg,
		pipeline.WithLatency(pipeline.NoLatency),
		pipeline.WithLogger(logger),
	)
	require.NoError(t, err)
	require.NoError(t, pipeline.SeedSamples(t.Context(), store))

	s := New(Options{Port: 0, RequestTimeout: 5 * time.Second, Logger: logger}, store, exec)
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, reg: reg, exec: exec}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

const customPipeline = `{
	"id": "p-custom",
	"name": "Custom",
	"status": "ready",
	"steps": [{"id": "s1", "name": "Enrich", "step_type": "custom", "timeout_seconds": 5, "config": {"k": "v"}}]
}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestPipelineCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/pipelines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Pipelines []pipeline.Pipeline `json:"pipelines"`
		Total     int                 `json:"total"`
	}](t, body)
	assert.Equal(t, 2, list.Total, "seeded samples")

	resp, body = env.do(t, http.MethodPost, "/api/v1/pipelines", customPipeline)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[pipeline.Pipeline](t, body)
	assert.Equal(t, "p-custom", created.ID)
	assert.Equal(t, pipeline.StatusReady, created.Status)

	resp, body = env.do(t, http.MethodGet, "/api/v1/pipelines/p-custom", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Custom", decode[pipeline.Pipeline](t, body).Name)

	update := `{"name":"Renamed","steps":[{"id":"s1","name":"Enrich","step_type":"custom","timeout_seconds":5}]}`
	resp, body = env.do(t, http.MethodPut, "/api/v1/pipelines/p-custom", update)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	updated := decode[pipeline.Pipeline](t, body)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, pipeline.StatusReady, updated.Status, "empty status keeps stored status")

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/pipelines/p-custom", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/pipelines/p-custom", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, body).Type)
}

func TestCreatePipelineErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name":`},
		{"unknown field", `{"name":"x","stepz":[]}`},
		{"no steps", `{"name":"x","steps":[]}`},
		{"bad step type", `{"name":"x","steps":[{"name":"a","step_type":"warp","timeout_seconds":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/v1/pipelines", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.Equal(t, "validation_error", decode[errorBody](t, body).Type)
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/api/v1/pipelines/pipeline-text-processor/validate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"valid":true,"problems":[]}`, string(body))
}

func TestRunPipelineSync(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/pipelines/pipeline-text-processor/run",
		`{"content":"  hello   world  "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	exec := decode[pipeline.PipelineExecution](t, body)
	assert.Equal(t, pipeline.StatusCompleted, exec.Status)
	assert.Len(t, exec.StepResults, 3)
	require.NotNil(t, exec.ExecutionTimeMS)

	resp, body = env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, exec.ID, decode[pipeline.PipelineExecution](t, body).ID)

	resp, body = env.do(t, http.MethodGet, "/api/v1/executions?pipeline_id=pipeline-text-processor", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Total int `json:"total"`
	}](t, body)
	assert.Equal(t, 1, list.Total)

	resp, body = env.do(t, http.MethodGet, "/api/v1/statistics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[pipeline.ExecutionStatistics](t, body)
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.Successful)
}

func TestRunPipelineErrors(t *testing.T) {
	env := newTestEnv(t)
	draft := `{"id":"p-draft","name":"Draft","steps":[{"name":"a","step_type":"custom","timeout_seconds":1}]}`
	resp, _ := env.do(t, http.MethodPost, "/api/v1/pipelines", draft)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"empty body", "/api/v1/pipelines/pipeline-text-processor/run", "", http.StatusBadRequest},
		{"invalid json", "/api/v1/pipelines/pipeline-text-processor/run", "{", http.StatusBadRequest},
		{"unknown pipeline", "/api/v1/pipelines/nope/run", "{}", http.StatusNotFound},
		{"not ready", "/api/v1/pipelines/p-draft/run", "{}", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestRunAsyncAndCancel(t *testing.T) {
	env := newTestEnv(t)
	blocker := &blockingHandler{started: make(chan struct{})}
	env.reg.Register(pipeline.CustomStepType("block"), blocker)

	def := `{"id":"p-block","name":"Block","status":"ready",
		"steps":[{"id":"s1","name":"Hold","step_type":"custom:block","timeout_seconds":30}]}`
	resp, body := env.do(t, http.MethodPost, "/api/v1/pipelines", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodPost, "/api/v1/pipelines/p-block/run?async=true", `{"x":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	started := decode[pipeline.PipelineExecution](t, body)
	assert.Equal(t, pipeline.StatusRunning, started.Status)

	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/executions/"+started.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	final, err := env.exec.Wait(t.Context(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, final.Status)

	resp, body = env.do(t, http.MethodPost, "/api/v1/executions/"+started.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, _ = env.do(t, http.MethodPost, "/api/v1/executions/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
}

func TestGetRequestID_NotSet(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "pipeline_id", "p1")
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request completed", line["msg"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "p1", line["pipeline_id"])
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline bool
	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, deadline)
}
