package pipeline

import "context"

// Handler executes one kind of pipeline step.
// Implementations live in the handlers sub-package; this interface is defined
// here so that Executor can use it without creating an import cycle.
type Handler interface {
	// Handle transforms input according to step.Config. Operator failures
	// are reported in the Outcome; the error return is reserved for ctx
	// cancellation. Implementations must not mutate input.
	Handle(ctx context.Context, step *Step, input any) (Outcome, error)
}

// HandlerRegistry looks up Handler implementations by step type.
type HandlerRegistry interface {
	Get(stepType StepType) (Handler, error)
}

// Outcome is the result of a single handler invocation.
type Outcome struct {
	Output any
	// Err is non-empty when the step failed.
	Err string
}

// Failed reports whether the outcome marks the step failed.
func (o Outcome) Failed() bool { return o.Err != "" }

// Succeeded wraps output in a successful Outcome.
func Succeeded(output any) Outcome { return Outcome{Output: output} }

// Store is the registry of pipeline definitions and execution records.
type Store interface {
	CreatePipeline(ctx context.Context, p Pipeline) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, id string, p Pipeline) (*Pipeline, error)
	DeletePipeline(ctx context.Context, id string) (*Pipeline, error)

	// RecordExecution inserts or replaces an execution. It returns
	// ErrExecutionFinalized if the stored record is already terminal.
	RecordExecution(ctx context.Context, exec PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*PipelineExecution, error)
	// ListExecutions returns executions ordered by start time. An empty
	// pipelineID lists every execution.
	ListExecutions(ctx context.Context, pipelineID string) ([]*PipelineExecution, error)
	Statistics(ctx context.Context) (ExecutionStatistics, error)

	Close() error
}
