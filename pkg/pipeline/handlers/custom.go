package handlers

import (
	"context"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// CustomHandler echoes a custom step's type, config and input. Named custom
// kinds without their own registered handler land here too.
type CustomHandler struct{}

func (h *CustomHandler) Handle(_ context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	return pipeline.Succeeded(map[string]any{
		"custom_step": map[string]any{
			"step_type": string(step.Type),
			"config":    pipeline.CloneValue(map[string]any(step.Config)),
			"input":     input,
			"output":    "Custom step execution completed",
		},
	}), nil
}
