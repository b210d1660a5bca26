package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

const formattedTextBanner = "=== Formatted Text ===\n\n"

// TextHandler implements text_processing steps. The operation is chosen by
// config.operation: validate (default), cleanup, format or tokenize.
type TextHandler struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewTextHandler creates a TextHandler.
func NewTextHandler() *TextHandler {
	return &TextHandler{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (h *TextHandler) Handle(_ context.Context, step *pipeline.Step, input any) (pipeline.Outcome, error) {
	op := configString(step, "operation", "validate")
	switch op {
	case "validate":
		return validateText(input), nil
	case "cleanup":
		return cleanupText(step, input), nil
	case "format":
		return formatText(step, input), nil
	case "tokenize":
		return h.tokenize(step, input), nil
	default:
		return failure(fmt.Sprintf("Unknown text processing operation: %s", op)), nil
	}
}

// content extracts input.content as a string.
func content(input any) (string, bool) {
	obj, ok := input.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := obj["content"].(string)
	return s, ok
}

func validateText(input any) pipeline.Outcome {
	text, ok := content(input)
	if !ok {
		return result(map[string]any{"valid": false, "error": "Missing 'content' field"})
	}
	if text == "" {
		return result(map[string]any{"valid": false, "error": "Content cannot be empty"})
	}
	return result(map[string]any{
		"valid":      true,
		"content":    text,
		"length":     len(text),
		"word_count": len(strings.Fields(text)),
	})
}

func cleanupText(step *pipeline.Step, input any) pipeline.Outcome {
	text, ok := content(input)
	if !ok {
		return failure("Missing 'content' field")
	}
	cleaned := text
	if configBool(step, "remove_extra_whitespace", true) {
		cleaned = strings.Join(strings.Fields(cleaned), " ")
	}
	if configBool(step, "normalize_line_endings", true) {
		cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
		cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	}
	return result(map[string]any{
		"content":         cleaned,
		"original_length": len(text),
		"cleaned_length":  len(cleaned),
		"removed_chars":   len(text) - len(cleaned),
	})
}

func formatText(step *pipeline.Step, input any) pipeline.Outcome {
	text, ok := content(input)
	if !ok {
		return failure("Missing 'content' field")
	}
	outputType := configString(step, "output_type", "plain")
	switch outputType {
	case "formatted_text":
		return result(map[string]any{
			"content":     formattedTextBanner + text,
			"format_type": outputType,
		})
	case "json":
		wrapped, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return failure(fmt.Sprintf("Cannot wrap content: %v", err))
		}
		return result(map[string]any{
			"content":     text,
			"format_type": outputType,
			"wrapped":     string(wrapped),
		})
	default:
		return result(map[string]any{
			"content":     text,
			"format_type": outputType,
		})
	}
}

func (h *TextHandler) tokenize(step *pipeline.Step, input any) pipeline.Outcome {
	text, ok := content(input)
	if !ok {
		return failure("Missing 'content' field")
	}
	enc := tokenizer.Encoding(configString(step, "encoding", string(tokenizer.Cl100kBase)))
	codec, err := h.codec(enc)
	if err != nil {
		return failure(fmt.Sprintf("Unsupported encoding: %s", enc))
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return failure(fmt.Sprintf("Tokenization failed: %v", err))
	}
	return result(map[string]any{
		"content":     text,
		"token_count": len(ids),
		"encoding":    string(enc),
	})
}

// codec returns a cached tokenizer codec for enc.
func (h *TextHandler) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	h.mu.RLock()
	if c, ok := h.codecs[enc]; ok {
		h.mu.RUnlock()
		return c, nil
	}
	h.mu.RUnlock()

	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.codecs[enc] = c
	h.mu.Unlock()
	return c, nil
}
