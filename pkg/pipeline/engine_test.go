package pipeline_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/memory"
)

// tickClock advances by a fixed step on every call to Now.
type tickClock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.tick)
	return c.now
}

// blockingHandler waits for ctx to end and signals when it starts.
type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, _ *pipeline.Step, _ any) (pipeline.Outcome, error) {
	if h.started != nil {
		close(h.started)
	}
	<-ctx.Done()
	return pipeline.Outcome{}, ctx.Err()
}

// stubbornHandler ignores ctx and sleeps past any reasonable deadline.
type stubbornHandler struct{}

func (stubbornHandler) Handle(context.Context, *pipeline.Step, any) (pipeline.Outcome, error) {
	time.Sleep(3 * time.Second)
	return pipeline.Succeeded("late"), nil
}

// hookHandler runs fn and passes its input through.
type hookHandler struct {
	fn func(ctx context.Context)
}

func (h hookHandler) Handle(ctx context.Context, _ *pipeline.Step, input any) (pipeline.Outcome, error) {
	h.fn(ctx)
	return pipeline.Succeeded(input), nil
}

func step(id string, typ pipeline.StepType, config map[string]any) pipeline.Step {
	return pipeline.Step{ID: id, Name: id, Type: typ, Config: config, TimeoutSeconds: 5}
}

type fixture struct {
	store *memory.Store
	reg   *handlers.Registry
	exec  *pipeline.Executor
}

func newFixture(t *testing.T, opts ...pipeline.Option) *fixture {
	t.Helper()
	store := memory.New()
	reg := handlers.NewBuiltinRegistry(handlers.Options{})
	opts = append([]pipeline.Option{pipeline.WithLatency(pipeline.NoLatency)}, opts...)
	exec, err := pipeline.NewExecutor(store, reg, opts...)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return &fixture{store: store, reg: reg, exec: exec}
}

func (f *fixture) create(t *testing.T, id string, steps ...pipeline.Step) {
	t.Helper()
	_, err := f.store.CreatePipeline(t.Context(), pipeline.Pipeline{ID: id, Name: id, Status: pipeline.StatusReady, Steps: steps})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
}

func textPipeline() []pipeline.Step {
	return []pipeline.Step{
		step("validate", pipeline.StepTypeTextProcessing, map[string]any{"operation": "validate"}),
		step("cleanup", pipeline.StepTypeTextProcessing, map[string]any{"operation": "cleanup"}),
		step("format", pipeline.StepTypeTextProcessing, map[string]any{"operation": "format", "output_type": "formatted_text"}),
	}
}

func TestNewExecutor_NilArgs(t *testing.T) {
	if _, err := pipeline.NewExecutor(nil, handlers.NewRegistry()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := pipeline.NewExecutor(memory.New(), nil); err == nil {
		t.Error("expected error for nil registry")
	}
}

func TestExecute_TextPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "text", textPipeline()...)

	exec, err := f.exec.Execute(t.Context(), "text", map[string]any{"content": "  hello   world  "})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", exec.Status, exec.ErrorMessage)
	}
	if len(exec.StepResults) != 3 {
		t.Fatalf("step results = %d, want 3", len(exec.StepResults))
	}
	out := exec.Output.(map[string]any)
	if want := "=== Formatted Text ===\n\nhello world"; out["content"] != want {
		t.Errorf("content = %q, want %q", out["content"], want)
	}
	if exec.CompletedAt == nil || exec.ExecutionTimeMS == nil {
		t.Error("terminal execution missing completed_at or execution_time_ms")
	}
	if exec.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", exec.ErrorMessage)
	}

	stored, err := f.store.GetExecution(t.Context(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !reflect.DeepEqual(stored, exec) {
		t.Errorf("stored execution differs from returned one")
	}
}

func TestExecute_OutputChainsIntoInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "text", textPipeline()...)

	exec, err := f.exec.Execute(t.Context(), "text", map[string]any{"content": "a  b"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(exec.StepResults[0].Input, exec.Input) {
		t.Errorf("first step input = %v, want execution input %v", exec.StepResults[0].Input, exec.Input)
	}
	for i := 1; i < len(exec.StepResults); i++ {
		if !reflect.DeepEqual(exec.StepResults[i].Input, exec.StepResults[i-1].Output) {
			t.Errorf("step %d input != step %d output", i, i-1)
		}
	}
	last := exec.StepResults[len(exec.StepResults)-1]
	if !reflect.DeepEqual(exec.Output, last.Output) {
		t.Error("execution output != last step output")
	}
}

func TestExecute_FailureShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "text", textPipeline()...)

	exec, err := f.exec.Execute(t.Context(), "text", map[string]any{"content": ""})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusFailed {
		t.Fatalf("status = %q, want failed", exec.Status)
	}
	if exec.ErrorMessage != "Content cannot be empty" {
		t.Errorf("error_message = %q", exec.ErrorMessage)
	}
	if len(exec.StepResults) != 1 {
		t.Fatalf("step results = %d, want 1", len(exec.StepResults))
	}
	if !reflect.DeepEqual(exec.Output, exec.StepResults[0].Output) {
		t.Errorf("output = %v, want failing step's envelope", exec.Output)
	}
	if exec.StepResults[0].ErrorMessage == "" {
		t.Error("failed step result has empty error_message")
	}
}

func TestExecute_DataTransform(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "data",
		step("map", pipeline.StepTypeDataTransform, map[string]any{
			"operation": "map",
			"transformations": []any{
				map[string]any{"field": "value", "operation": "multiply", "factor": 2},
				map[string]any{"field": "status", "operation": "uppercase"},
			},
		}),
		step("check", pipeline.StepTypeCondition, map[string]any{"condition": "equals", "field": "/transformed_data/value", "value": 20}),
	)

	exec, err := f.exec.Execute(t.Context(), "data", map[string]any{"value": 10, "status": "active"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %q (%s)", exec.Status, exec.ErrorMessage)
	}
	mapped := exec.StepResults[0].Output.(map[string]any)["transformed_data"]
	if want := map[string]any{"value": 20.0, "status": "ACTIVE"}; !reflect.DeepEqual(mapped, want) {
		t.Errorf("transformed_data = %v, want %v", mapped, want)
	}
	if exec.Output.(map[string]any)["result"] != true {
		t.Errorf("condition result = %v, want true", exec.Output)
	}
}

func TestExecute_UnknownConditionFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "cond", step("c", pipeline.StepTypeCondition, map[string]any{"condition": "between"}))

	exec, err := f.exec.Execute(t.Context(), "cond", map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusFailed || exec.ErrorMessage != "Unknown condition: between" {
		t.Errorf("status = %q, error = %q", exec.Status, exec.ErrorMessage)
	}
}

func TestExecute_NotFoundAndNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.store.CreatePipeline(t.Context(), pipeline.Pipeline{ID: "draft", Name: "d", Steps: textPipeline()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.exec.Execute(t.Context(), "nope", nil)
	if !pipeline.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}

	_, err = f.exec.Execute(t.Context(), "draft", nil)
	var nr *pipeline.NotReadyError
	if !errors.As(err, &nr) {
		t.Errorf("err = %v, want *NotReadyError", err)
	}

	all, _ := f.store.ListExecutions(t.Context(), "")
	if len(all) != 0 {
		t.Errorf("executions recorded = %d, want 0", len(all))
	}
}

func TestExecute_ExecutionTimeIsSumOfSteps(t *testing.T) {
	t.Parallel()
	clock := &tickClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), tick: 10 * time.Millisecond}
	f := newFixture(t, pipeline.WithClock(clock))
	f.create(t, "text", textPipeline()...)

	exec, err := f.exec.Execute(t.Context(), "text", map[string]any{"content": "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var sum int64
	for _, r := range exec.StepResults {
		if r.ExecutionTimeMS != 10 {
			t.Errorf("step %s took %dms, want 10", r.StepID, r.ExecutionTimeMS)
		}
		sum += r.ExecutionTimeMS
	}
	if *exec.ExecutionTimeMS != sum || sum != 30 {
		t.Errorf("execution_time_ms = %d, sum = %d, want 30", *exec.ExecutionTimeMS, sum)
	}
	for i := 1; i < len(exec.StepResults); i++ {
		if exec.StepResults[i].StartedAt.Before(exec.StepResults[i-1].StartedAt) {
			t.Errorf("step %d started before step %d", i, i-1)
		}
	}
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.reg.Register(pipeline.CustomStepType("block"), &blockingHandler{})
	slow := step("slow", pipeline.CustomStepType("block"), nil)
	slow.TimeoutSeconds = 1
	f.create(t, "slow", slow, step("after", pipeline.StepTypeCustom, nil))

	exec, err := f.exec.Execute(t.Context(), "slow", map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusFailed {
		t.Fatalf("status = %q, want failed", exec.Status)
	}
	if len(exec.StepResults) != 1 {
		t.Fatalf("step results = %d, want 1", len(exec.StepResults))
	}
	res := exec.StepResults[0]
	if res.Status != pipeline.StatusFailed || !strings.Contains(res.ErrorMessage, "timed out") {
		t.Errorf("step = %q / %q, want failed timeout", res.Status, res.ErrorMessage)
	}
	if res.Output != nil {
		t.Errorf("timed-out step output = %v, want nil", res.Output)
	}
}

func TestExecute_TimeoutAbandonsStubbornHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.reg.Register(pipeline.CustomStepType("stubborn"), stubbornHandler{})
	s := step("s", pipeline.CustomStepType("stubborn"), nil)
	s.TimeoutSeconds = 1
	f.create(t, "p", s)

	start := time.Now()
	exec, err := f.exec.Execute(t.Context(), "p", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("Execute took %v, want about 1s", elapsed)
	}
	if exec.Status != pipeline.StatusFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}
}

func TestExecute_CancelContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	blocker := &blockingHandler{started: make(chan struct{})}
	f.reg.Register(pipeline.CustomStepType("block"), blocker)
	f.create(t, "p",
		step("first", pipeline.StepTypeCustom, nil),
		step("second", pipeline.CustomStepType("block"), nil),
		step("third", pipeline.StepTypeCustom, nil),
	)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-blocker.started
		cancel()
	}()
	exec, err := f.exec.Execute(ctx, "p", "in")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusCancelled || exec.ErrorMessage != "execution cancelled" {
		t.Fatalf("status = %q / %q, want cancelled", exec.Status, exec.ErrorMessage)
	}
	if len(exec.StepResults) != 2 {
		t.Fatalf("step results = %d, want 2", len(exec.StepResults))
	}
	if exec.StepResults[0].Status != pipeline.StatusCompleted {
		t.Errorf("first step = %q, want completed", exec.StepResults[0].Status)
	}
	if exec.StepResults[1].Status != pipeline.StatusCancelled {
		t.Errorf("in-flight step = %q, want cancelled", exec.StepResults[1].Status)
	}
}

func TestStartCancelWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	blocker := &blockingHandler{started: make(chan struct{})}
	f.reg.Register(pipeline.CustomStepType("block"), blocker)
	f.create(t, "p", step("block", pipeline.CustomStepType("block"), nil))

	running, err := f.exec.Start(t.Context(), "p", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if running.Status != pipeline.StatusRunning || running.CompletedAt != nil {
		t.Errorf("snapshot = %q, want running", running.Status)
	}

	<-blocker.started
	if err := f.exec.Cancel(running.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	done, err := f.exec.Wait(t.Context(), running.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != pipeline.StatusCancelled {
		t.Errorf("status = %q, want cancelled", done.Status)
	}
	if err := f.exec.Cancel(running.ID); !pipeline.IsNotFound(err) {
		t.Errorf("second Cancel err = %v, want not found", err)
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "text", textPipeline()...)

	running, err := f.exec.Start(t.Context(), "text", map[string]any{"content": "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, err := f.exec.Wait(t.Context(), running.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != pipeline.StatusCompleted || len(done.StepResults) != 3 {
		t.Errorf("status = %q, results = %d", done.Status, len(done.StepResults))
	}
}

func TestExecute_UsesDefinitionSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.reg.Register(pipeline.CustomStepType("mutate"), hookHandler{fn: func(ctx context.Context) {
		_, err := f.store.UpdatePipeline(ctx, "p", pipeline.Pipeline{
			Name:  "p",
			Steps: []pipeline.Step{step("only", pipeline.StepTypeCustom, nil)},
		})
		if err != nil {
			t.Errorf("UpdatePipeline: %v", err)
		}
	}})
	f.create(t, "p",
		step("mutate", pipeline.CustomStepType("mutate"), nil),
		step("second", pipeline.StepTypeCustom, nil),
		step("third", pipeline.StepTypeCustom, nil),
	)

	exec, err := f.exec.Execute(t.Context(), "p", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var ids []string
	for _, r := range exec.StepResults {
		ids = append(ids, r.StepID)
	}
	if want := []string{"mutate", "second", "third"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("steps run = %v, want %v", ids, want)
	}
	p, _ := f.store.GetPipeline(t.Context(), "p")
	if len(p.Steps) != 1 {
		t.Errorf("stored pipeline steps = %d, want 1 after update", len(p.Steps))
	}
}

func TestExecute_InputNotMutated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "data", step("map", pipeline.StepTypeDataTransform, map[string]any{
		"operation":       "map",
		"transformations": []any{map[string]any{"field": "v", "operation": "add", "value": 1}},
	}))
	input := map[string]any{"v": 1.0}
	if _, err := f.exec.Execute(t.Context(), "data", input); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if input["v"] != 1.0 {
		t.Errorf("caller input mutated: %v", input)
	}
}

func TestExecute_ConcurrentRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "text", textPipeline()...)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := f.exec.Execute(t.Context(), "text", map[string]any{"content": "x y"})
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			if exec.Status != pipeline.StatusCompleted {
				t.Errorf("status = %q", exec.Status)
			}
		}()
	}
	wg.Wait()

	st, err := f.store.Statistics(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalExecutions != 8 || st.Successful != 8 || st.SuccessRate != 100 {
		t.Errorf("statistics = %+v", st)
	}
}

func TestSeedSamples(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := pipeline.SeedSamples(t.Context(), f.store); err != nil {
		t.Fatalf("SeedSamples: %v", err)
	}
	if err := pipeline.SeedSamples(t.Context(), f.store); err != nil {
		t.Fatalf("second SeedSamples: %v", err)
	}
	exec, err := f.exec.Execute(t.Context(), "pipeline-text-processor", map[string]any{"content": "Hello   world"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %q (%s)", exec.Status, exec.ErrorMessage)
	}
	if got := exec.Output.(map[string]any)["content"]; got != "=== Formatted Text ===\n\nHello world" {
		t.Errorf("content = %q", got)
	}
}

func TestExecute_HugeTimeoutDoesNotExpire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := step("v", pipeline.StepTypeTextProcessing, map[string]any{"operation": "validate"})
	s.TimeoutSeconds = 10_000_000_000
	f.create(t, "huge", s)

	exec, err := f.exec.Execute(t.Context(), "huge", map[string]any{"content": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", exec.Status, exec.ErrorMessage)
	}
	if d := s.Timeout(); d <= 0 {
		t.Errorf("Timeout() = %v, want positive", d)
	}
}

func TestSimulatedLatency(t *testing.T) {
	tests := map[int]time.Duration{1: 100 * time.Millisecond, 5: 500 * time.Millisecond, 30: time.Second, 10_000_000_000: time.Second}
	for timeout, want := range tests {
		if got := pipeline.SimulatedLatency(&pipeline.Step{TimeoutSeconds: timeout}); got != want {
			t.Errorf("SimulatedLatency(%d) = %v, want %v", timeout, got, want)
		}
	}
}
