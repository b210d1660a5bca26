package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

const (
	defaultIterations = 3
	maxIterations     = 10000
)

// LoopHandler records config.iterations simulated iterations over the input.
type LoopHandler struct{}

func (h *LoopHandler) Handle(ctx context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	n := defaultIterations
	if raw, ok := step.Config["iterations"]; ok {
		if v, ok := toCount(raw); ok {
			n = v
		}
	}
	if n > maxIterations {
		return failure(fmt.Sprintf("Loop iterations %d exceed the limit of %d", n, maxIterations)), nil
	}

	results := make([]any, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return pipeline.Outcome{}, err
		}
		results = append(results, map[string]any{
			"iteration": i,
			"input":     pipeline.CloneValue(input),
			"output":    fmt.Sprintf("Iteration %d result", i+1),
		})
	}
	return result(map[string]any{
		"loop_execution": map[string]any{
			"iterations": n,
			"input":      input,
			"results":    results,
		},
	}), nil
}
