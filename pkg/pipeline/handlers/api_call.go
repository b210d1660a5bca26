package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

const defaultAPIURL = "https://api.example.com/mock"

// APICallHandler simulates an outbound API call. No request leaves the
// process; the handler waits Latency and returns a mock response.
type APICallHandler struct {
	Latency time.Duration
	Now     func() time.Time
}

func (h *APICallHandler) Handle(ctx context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	url := configString(step, "url", defaultAPIURL)
	method := strings.ToUpper(configString(step, "method", "POST"))

	if err := pipeline.Sleep(ctx, h.Latency); err != nil {
		return pipeline.Outcome{}, err
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return result(map[string]any{
		"api_call": map[string]any{
			"url":           url,
			"method":        method,
			"status":        "success",
			"response_code": 200,
		},
		"input_data": input,
		"mock_response": map[string]any{
			"message":   "API call completed successfully",
			"timestamp": now().UTC().Format(time.RFC3339),
		},
	}), nil
}
