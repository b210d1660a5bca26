package pipeline

import (
	"fmt"
	"strings"
)

// LintError describes a problem in a pipeline definition.
type LintError struct {
	StepID  string
	Message string
}

func (e LintError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %q: %s", e.StepID, e.Message)
	}
	return e.Message
}

// Normalize fills defaults into a definition in place: the status defaults
// to draft, step types are canonicalized, missing step ids become "step-N"
// and configs are re-decoded into JSON shape.
func Normalize(p *Pipeline) error {
	if p.Status == "" {
		p.Status = StatusDraft
	}
	p.Status = PipelineStatus(strings.ToLower(string(p.Status)))
	for i := range p.Steps {
		s := &p.Steps[i]
		s.Type = ParseStepType(string(s.Type))
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		cfg, err := canonicalObject(s.Config)
		if err != nil {
			return fmt.Errorf("step %q: config is not valid JSON: %w", s.ID, err)
		}
		s.Config = cfg
	}
	meta, err := canonicalObject(p.Metadata)
	if err != nil {
		return fmt.Errorf("metadata is not valid JSON: %w", err)
	}
	p.Metadata = meta
	return nil
}

// Validate checks a normalized pipeline and returns every problem found,
// not just the first.
func Validate(p *Pipeline) []LintError {
	var errs []LintError

	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, LintError{Message: "pipeline name cannot be empty"})
	}
	if len(p.Steps) == 0 {
		errs = append(errs, LintError{Message: "pipeline must have at least one step"})
	}
	if p.Status != "" && !p.Status.Valid() {
		errs = append(errs, LintError{Message: fmt.Sprintf("unknown status %q", p.Status)})
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, LintError{StepID: s.ID, Message: "name cannot be empty"})
		}
		if s.TimeoutSeconds <= 0 {
			errs = append(errs, LintError{StepID: s.ID, Message: "timeout_seconds must be positive"})
		}
		if !s.Type.Known() {
			errs = append(errs, LintError{StepID: s.ID, Message: fmt.Sprintf("unknown step type %q", s.Type)})
		}
		if seen[s.ID] {
			errs = append(errs, LintError{StepID: s.ID, Message: "duplicate step id"})
		}
		seen[s.ID] = true
	}

	return errs
}

// ValidateErr calls Validate and returns nil if there are no problems, or a
// *ValidationError listing all of them.
func ValidateErr(p *Pipeline) error {
	errs := Validate(p)
	if len(errs) == 0 {
		return nil
	}
	problems := make([]string, len(errs))
	for i, e := range errs {
		problems[i] = e.Error()
	}
	return &ValidationError{Problems: problems}
}

// ValidateDefinition normalizes p in place and validates it. Stores call it
// on every create and update.
func ValidateDefinition(p *Pipeline) error {
	if err := Normalize(p); err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return ValidateErr(p)
}
