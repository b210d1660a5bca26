package handlers

import (
	"encoding/json"
	"math"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// configString returns the string value of a config key, or def when the
// key is missing or not a string.
func configString(step *pipeline.Step, key, def string) string {
	if s, ok := step.Config[key].(string); ok {
		return s
	}
	return def
}

// configBool returns the boolean value of a config key, or def.
func configBool(step *pipeline.Step, key string, def bool) bool {
	if b, ok := step.Config[key].(bool); ok {
		return b
	}
	return def
}

// toFloat converts a decoded JSON number to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toCount converts a decoded JSON number to a non-negative integer. Fractions
// and negative numbers are rejected.
func toCount(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// finite maps NaN and infinities, which JSON cannot represent, to zero.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// result turns an operator output object into an Outcome. An "error" string
// in the output marks the step failed.
func result(out map[string]any) pipeline.Outcome {
	msg, _ := out["error"].(string)
	return pipeline.Outcome{Output: out, Err: msg}
}

// failure returns an output object carrying only an error message.
func failure(msg string) pipeline.Outcome {
	return result(map[string]any{"error": msg})
}

// encode marshals a decoded JSON value back to bytes.
func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decode unmarshals JSON bytes into a generic value.
func decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
