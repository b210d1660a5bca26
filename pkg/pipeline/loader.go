package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a pipeline definition. The format follows the file
// extension: .dot and .gv are DOT chains, .json is JSON, anything else is
// YAML. The definition is parsed but not validated.
func LoadFile(path string) (*Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dot", ".gv":
		return ParseDOT(string(src))
	case ".json":
		return ParseJSON(src)
	default:
		return ParseYAML(src)
	}
}

// ParseJSON decodes a JSON pipeline definition. Unknown fields are rejected.
func ParseJSON(src []byte) (*Pipeline, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.DisallowUnknownFields()
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("json definition: %w", err)
	}
	return &p, nil
}

// ParseYAML decodes a YAML pipeline definition. Unknown fields are rejected.
func ParseYAML(src []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("yaml definition: %w", err)
	}
	p.Status = PipelineStatus(strings.ToLower(string(p.Status)))
	for i := range p.Steps {
		p.Steps[i].Type = ParseStepType(string(p.Steps[i].Type))
	}
	return &p, nil
}
