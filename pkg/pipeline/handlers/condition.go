package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// ConditionHandler evaluates a predicate over the input. config.condition
// selects exists (default) or equals; config.field is a JSON pointer.
type ConditionHandler struct{}

func (h *ConditionHandler) Handle(_ context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	cond := configString(step, "condition", "exists")
	field := configString(step, "field", "")

	doc, err := encode(input)
	if err != nil {
		return failure(fmt.Sprintf("Cannot encode input: %v", err)), nil
	}

	switch cond {
	case "exists":
		exists := field == ""
		if !exists {
			_, exists = lookup(doc, field)
		}
		return result(map[string]any{
			"condition": cond,
			"field":     field,
			"exists":    exists,
			"result":    exists,
		}), nil

	case "equals":
		expected, hasExpected := step.Config["value"]
		if hasExpected {
			if expected, err = pipeline.Canonical(expected); err != nil {
				return failure(fmt.Sprintf("Invalid expected value: %v", err)), nil
			}
		}
		var current any
		cur, hasCurrent := lookup(doc, field)
		if hasCurrent {
			current = cur.Value()
		}

		var equal bool
		switch {
		case !hasExpected && !hasCurrent:
			equal = true
		case hasExpected && hasCurrent:
			equal = reflect.DeepEqual(current, expected)
		}
		return result(map[string]any{
			"condition": cond,
			"field":     field,
			"expected":  expected,
			"current":   current,
			"result":    equal,
		}), nil

	default:
		return failure(fmt.Sprintf("Unknown condition: %s", cond)), nil
	}
}
