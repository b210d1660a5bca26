package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ravi-parthasarathy/stepflow/pkg/pipeline"

// cancelledMessage is the error message of a cancelled execution.
const cancelledMessage = "execution cancelled"

// Executor runs pipelines stored in a Store using a HandlerRegistry.
type Executor struct {
	store      Store
	handlerReg HandlerRegistry
	clock      Clock
	latency    Latency
	tracer     trace.Tracer
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the time source used for execution timestamps.
func WithClock(c Clock) Option { return func(e *Executor) { e.clock = c } }

// WithLatency sets the per-step latency model. The default is
// SimulatedLatency.
func WithLatency(l Latency) Option { return func(e *Executor) { e.latency = l } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithTracer sets the tracer used for execution and step spans.
func WithTracer(t trace.Tracer) Option { return func(e *Executor) { e.tracer = t } }

// NewExecutor creates an Executor.
func NewExecutor(store Store, reg HandlerRegistry, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("handler registry must not be nil")
	}
	e := &Executor{
		store:      store,
		handlerReg: reg,
		clock:      SystemClock(),
		latency:    SimulatedLatency,
		inflight:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.latency == nil {
		e.latency = NoLatency
	}
	return e, nil
}

// Execute runs the pipeline synchronously and returns the terminal execution
// record. Failed steps are reported in the record, not as an error; the error
// return covers unknown or non-ready pipelines and store failures.
//
// Cancelling ctx cancels the run, as does Cancel with the execution id.
func (e *Executor) Execute(ctx context.Context, pipelineID string, input any) (*PipelineExecution, error) {
	p, state, err := e.begin(ctx, pipelineID, input)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := e.track(state.id(), cancel)
	defer func() {
		e.untrack(state.id())
		cancel()
		close(run.done)
	}()
	return e.run(runCtx, p, state)
}

// Start records a running execution and runs the pipeline in the background.
// It returns the running snapshot. The run is detached from ctx; use Cancel
// to stop it and Wait to block until it finishes.
func (e *Executor) Start(ctx context.Context, pipelineID string, input any) (*PipelineExecution, error) {
	p, state, err := e.begin(ctx, pipelineID, input)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := e.track(state.id(), cancel)
	snapshot := state.snapshot()

	go func() {
		defer func() {
			e.untrack(state.id())
			cancel()
			close(run.done)
		}()
		if _, err := e.run(runCtx, p, state); err != nil {
			e.logger.Error("background execution failed", "execution", state.id(), "error", err)
		}
	}()
	return snapshot, nil
}

// Cancel stops an in-flight execution. It returns a *NotFoundError when no
// run with that id is in flight.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	run, ok := e.inflight[executionID]
	e.mu.Unlock()
	if !ok {
		return &NotFoundError{Kind: "running execution", ID: executionID}
	}
	run.cancel()
	return nil
}

// Wait blocks until the execution is no longer in flight and returns its
// stored record.
func (e *Executor) Wait(ctx context.Context, executionID string) (*PipelineExecution, error) {
	e.mu.Lock()
	run, ok := e.inflight[executionID]
	e.mu.Unlock()
	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, executionID)
}

func (e *Executor) track(id string, cancel context.CancelFunc) *activeRun {
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.inflight[id] = run
	e.mu.Unlock()
	return run
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// begin loads a snapshot of the pipeline, checks that it may run, and records
// the running execution.
func (e *Executor) begin(ctx context.Context, pipelineID string, input any) (*Pipeline, *executionState, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != StatusReady {
		return nil, nil, &NotReadyError{PipelineID: p.ID, Status: p.Status}
	}
	in, err := Canonical(input)
	if err != nil {
		return nil, nil, &ValidationError{Problems: []string{fmt.Sprintf("input is not valid JSON: %v", err)}}
	}
	exec := PipelineExecution{
		ID:          uuid.NewString(),
		PipelineID:  p.ID,
		Status:      StatusRunning,
		Input:       in,
		StartedAt:   e.clock.Now(),
		StepResults: []StepResult{},
	}
	if err := e.store.RecordExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("record execution: %w", err)
	}
	return p, newExecutionState(exec), nil
}

// run is the sequential step loop. It stops at the first step that does not
// complete, or when ctx is cancelled between steps.
func (e *Executor) run(ctx context.Context, p *Pipeline, state *executionState) (*PipelineExecution, error) {
	execID := state.id()
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.id", p.ID),
		attribute.String("execution.id", execID),
	))
	defer span.End()

	logger := e.logger.With("pipeline", p.ID, "execution", execID)
	logger.Info("executing pipeline", "steps", len(p.Steps))

	current := state.input()
	status := StatusCompleted
	var errMsg string
	var elapsed int64

	for i := range p.Steps {
		if ctx.Err() != nil {
			status, errMsg = StatusCancelled, cancelledMessage
			break
		}

		step := &p.Steps[i]
		res := e.runStep(ctx, logger, step, current)
		state.appendResult(res)
		elapsed += res.ExecutionTimeMS
		current = res.Output

		if res.Status == StatusCancelled {
			status, errMsg = StatusCancelled, cancelledMessage
			break
		}
		if res.Status == StatusFailed {
			logger.Warn("step failed", "step", step.ID, "error", res.ErrorMessage)
			status, errMsg = StatusFailed, res.ErrorMessage
			break
		}

		// Publish progress so pollers see completed steps.
		if err := e.store.RecordExecution(context.WithoutCancel(ctx), *state.snapshot()); err != nil {
			logger.Warn("record progress failed", "error", err)
		}
	}

	state.finish(status, current, errMsg, e.clock.Now(), elapsed)
	final := state.snapshot()

	span.SetAttributes(attribute.String("execution.status", string(status)))
	if status != StatusCompleted {
		span.SetStatus(codes.Error, errMsg)
	}

	if err := e.store.RecordExecution(context.WithoutCancel(ctx), *final); err != nil {
		return final, fmt.Errorf("record execution %q: %w", execID, err)
	}
	logger.Info("pipeline finished", "status", status, "execution_time_ms", elapsed)
	return final, nil
}

// runStep executes one step and always returns a result to append.
func (e *Executor) runStep(ctx context.Context, logger *slog.Logger, step *Step, input any) StepResult {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	))
	defer span.End()

	logger.Debug("executing step", "step", step.ID, "type", step.Type)

	res := StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Input:     CloneValue(input),
		StartedAt: e.clock.Now(),
	}
	outcome, err := e.dispatch(ctx, step, input)
	if err == nil {
		var cerr error
		if outcome.Output, cerr = Canonical(outcome.Output); cerr != nil {
			err = &StepError{StepID: step.ID, Kind: StepFailure, Message: fmt.Sprintf("output is not valid JSON: %v", cerr)}
		}
	}
	completed := e.clock.Now()
	res.CompletedAt = &completed
	res.ExecutionTimeMS = completed.Sub(res.StartedAt).Milliseconds()

	var stepErr *StepError
	switch {
	case errors.As(err, &stepErr):
		res.Status = StatusFailed
		if stepErr.Kind == StepCancelled {
			res.Status = StatusCancelled
		}
		res.ErrorMessage = stepErr.Message
	case err != nil:
		res.Status = StatusFailed
		res.ErrorMessage = err.Error()
	case outcome.Failed():
		res.Status = StatusFailed
		res.Output = outcome.Output
		res.ErrorMessage = outcome.Err
	default:
		res.Status = StatusCompleted
		res.Output = outcome.Output
	}

	span.SetAttributes(attribute.String("step.status", string(res.Status)))
	if res.Status != StatusCompleted {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	return res
}

// dispatch applies the step latency and invokes the handler under the step
// timeout. A handler that ignores ctx is abandoned once the deadline passes.
func (e *Executor) dispatch(ctx context.Context, step *Step, input any) (Outcome, error) {
	handler, err := e.handlerReg.Get(step.Type)
	if err != nil {
		msg := err.Error()
		return Outcome{Output: map[string]any{"error": msg}, Err: msg}, nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	if err := Sleep(stepCtx, e.latency(step)); err != nil {
		return Outcome{}, interrupted(ctx, step)
	}

	type result struct {
		out Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := handler.Handle(stepCtx, step, CloneValue(input))
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if stepCtx.Err() != nil {
				return Outcome{}, interrupted(ctx, step)
			}
			return Outcome{}, &StepError{StepID: step.ID, Kind: StepFailure, Message: r.err.Error()}
		}
		return r.out, nil
	case <-stepCtx.Done():
		return Outcome{}, interrupted(ctx, step)
	}
}

// interrupted classifies a step whose context ended before it finished.
// parent is the run context: if it is done the run was cancelled, otherwise
// the step deadline passed.
func interrupted(parent context.Context, step *Step) *StepError {
	if parent.Err() != nil {
		return &StepError{StepID: step.ID, Kind: StepCancelled, Message: cancelledMessage}
	}
	return &StepError{
		StepID:  step.ID,
		Kind:    StepTimeout,
		Message: fmt.Sprintf("step %q timed out after %ds", step.Name, step.TimeoutSeconds),
	}
}
