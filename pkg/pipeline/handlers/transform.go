package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// TransformHandler implements data_transform steps. The operation is chosen
// by config.operation: parse (default), serialize or map.
type TransformHandler struct{}

func (h *TransformHandler) Handle(_ context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	op := configString(step, "operation", "parse")
	switch op {
	case "parse":
		return parseData(step, input), nil
	case "serialize":
		return serializeData(step, input), nil
	case "map":
		return mapData(step, input), nil
	default:
		return failure(fmt.Sprintf("Unknown data transformation operation: %s", op)), nil
	}
}

func parseData(step *pipeline.Step, input any) pipeline.Outcome {
	format := configString(step, "input_format", "json")
	if format != "json" {
		return failure(fmt.Sprintf("Unsupported input format: %s", format))
	}
	switch input.(type) {
	case map[string]any, []any:
		return result(map[string]any{
			"parsed_data": input,
			"format":      "json",
			"validation":  "passed",
		})
	default:
		return result(map[string]any{
			"error":      "Invalid JSON input",
			"input_type": "not_object_or_array",
		})
	}
}

func serializeData(step *pipeline.Step, input any) pipeline.Outcome {
	format := configString(step, "output_format", "json")
	switch format {
	case "json":
		return result(map[string]any{
			"serialized_data": input,
			"format":          "json",
		})
	case "csv":
		return toCSV(input)
	default:
		return failure(fmt.Sprintf("Unsupported output format: %s", format))
	}
}

// toCSV renders input.data, or input itself when it is an array and data is
// absent, as comma-joined rows. Headers are the sorted keys of the first row.
func toCSV(input any) pipeline.Outcome {
	source := input
	if obj, ok := input.(map[string]any); ok {
		if data, ok := obj["data"]; ok {
			source = data
		}
	}
	rows, ok := source.([]any)
	if !ok {
		b, err := json.Marshal(source)
		if err != nil {
			return failure(fmt.Sprintf("Cannot serialize input: %v", err))
		}
		return result(map[string]any{"csv_content": string(b), "format": "csv"})
	}

	headers := []string{}
	if len(rows) > 0 {
		if first, ok := rows[0].(map[string]any); ok {
			for k := range first {
				headers = append(headers, k)
			}
			sort.Strings(headers)
		}
	}

	lines := make([]string, len(rows))
	for i, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]string, len(headers))
		for j, h := range headers {
			cells[j], _ = obj[h].(string)
		}
		lines[i] = strings.Join(cells, ",")
	}

	headerList := make([]any, len(headers))
	for i, h := range headers {
		headerList[i] = h
	}
	return result(map[string]any{
		"csv_content": strings.Join(lines, "\n"),
		"headers":     headerList,
		"row_count":   len(rows),
	})
}

// mapData applies config.transformations in order to a copy of input.
// Transformations whose field is missing, whose operand types do not match,
// or whose operation is unknown leave the document unchanged.
func mapData(step *pipeline.Step, input any) pipeline.Outcome {
	specs, _ := step.Config["transformations"].([]any)

	doc, err := encode(input)
	if err != nil {
		return failure(fmt.Sprintf("Cannot encode input: %v", err))
	}
	for _, raw := range specs {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		field, _ := spec["field"].(string)
		op, _ := spec["operation"].(string)
		if field == "" {
			continue
		}
		cur, ok := lookup(doc, field)
		if !ok {
			continue
		}
		value, ok := applyFieldOp(op, cur, spec)
		if !ok {
			continue
		}
		if doc, err = assign(doc, field, value); err != nil {
			return failure(fmt.Sprintf("Cannot set field %q: %v", field, err))
		}
	}

	transformed, err := decode(doc)
	if err != nil {
		return failure(fmt.Sprintf("Cannot decode transformed data: %v", err))
	}
	return result(map[string]any{
		"transformed_data":        transformed,
		"transformations_applied": len(specs),
		"original_data":           input,
	})
}

// applyFieldOp computes the new value of a field. ok is false when the
// operation does not apply to the current value.
func applyFieldOp(op string, cur gjson.Result, spec map[string]any) (any, bool) {
	switch op {
	case "multiply":
		factor, ok := toFloat(spec["factor"])
		if !ok || cur.Type != gjson.Number {
			return nil, false
		}
		return finite(cur.Num * factor), true
	case "add":
		switch cur.Type {
		case gjson.Number:
			n, ok := toFloat(spec["value"])
			if !ok {
				return nil, false
			}
			return finite(cur.Num + n), true
		case gjson.String:
			s, ok := spec["value"].(string)
			if !ok {
				return nil, false
			}
			return cur.Str + s, true
		}
	case "uppercase":
		if cur.Type == gjson.String {
			return strings.ToUpper(cur.Str), true
		}
	case "lowercase":
		if cur.Type == gjson.String {
			return strings.ToLower(cur.Str), true
		}
	}
	return nil, false
}
