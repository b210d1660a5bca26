package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

type api struct {
	store  pipeline.Store
	exec   *pipeline.Executor
	logger *slog.Logger
}

func (a *api) routes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", a.listPipelines)
			r.Post("/", a.createPipeline)
			r.Get("/{id}", a.getPipeline)
			r.Put("/{id}", a.updatePipeline)
			r.Delete("/{id}", a.deletePipeline)
			r.Post("/{id}/validate", a.validatePipeline)
			r.Post("/{id}/run", a.runPipeline)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", a.listExecutions)
			r.Get("/{id}", a.getExecution)
			r.Post("/{id}/cancel", a.cancelExecution)
		})
		r.Get("/statistics", a.statistics)
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Pipelines ────────────────────────────────────────────────────────────────

func (a *api) listPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := a.store.ListPipelines(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*pipeline.Pipeline{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": ps, "total": len(ps)})
}

func (a *api) createPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := decodePipeline(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	created, err := a.store.CreatePipeline(r.Context(), *p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "pipeline_id", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *api) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) updatePipeline(w http.ResponseWriter, r *http.Request) {
	p, err := decodePipeline(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	updated, err := a.store.UpdatePipeline(r.Context(), chi.URLParam(r, "id"), *p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *api) deletePipeline(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.store.DeletePipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

// validatePipeline lints a stored pipeline without changing it.
func (a *api) validatePipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	problems := pipeline.Validate(p)
	msgs := make([]string, len(problems))
	for i, le := range problems {
		msgs[i] = le.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": len(msgs) == 0, "problems": msgs})
}

// runPipeline executes synchronously, or in the background with ?async=true.
// The body is the execution input and must be a JSON value.
func (a *api) runPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "pipeline_id", id)

	input, err := decodeInput(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		exec, err := a.exec.Start(r.Context(), id, input)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		AddLogField(r.Context(), "execution_id", exec.ID)
		writeJSON(w, http.StatusAccepted, exec)
		return
	}

	exec, err := a.exec.Execute(r.Context(), id, input)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "execution_id", exec.ID)
	writeJSON(w, http.StatusOK, exec)
}

// ─── Executions ───────────────────────────────────────────────────────────────

func (a *api) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := a.store.ListExecutions(r.Context(), r.URL.Query().Get("pipeline_id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*pipeline.PipelineExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "total": len(execs)})
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *api) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.exec.Cancel(id)
	if pipeline.IsNotFound(err) {
		// Not in flight: either unknown or already finished.
		if _, gerr := a.store.GetExecution(r.Context(), id); gerr == nil {
			err = pipeline.ErrExecutionFinalized
		} else {
			err = gerr
		}
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (a *api) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Statistics(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Encoding ─────────────────────────────────────────────────────────────────

// badRequest is a malformed request body.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func decodePipeline(r *http.Request) (*pipeline.Pipeline, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &badRequest{msg: "read body: " + err.Error()}
	}
	p, err := pipeline.ParseJSON(body)
	if err != nil {
		return nil, &badRequest{msg: err.Error()}
	}
	return p, nil
}

func decodeInput(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &badRequest{msg: "read body: " + err.Error()}
	}
	if len(body) == 0 {
		return nil, &badRequest{msg: "request body must be a JSON input value"}
	}
	var input any
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, &badRequest{msg: "input is not valid JSON: " + err.Error()}
	}
	return input, nil
}

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// writeError maps domain errors onto status codes.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var (
		bad      *badRequest
		notReady *pipeline.NotReadyError
	)
	status, kind := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.As(err, &bad), pipeline.IsValidation(err):
		status, kind = http.StatusBadRequest, "validation_error"
	case pipeline.IsNotFound(err):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &notReady), errors.Is(err, pipeline.ErrExecutionFinalized):
		status, kind = http.StatusConflict, "conflict"
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "request_id", GetRequestID(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Type: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
