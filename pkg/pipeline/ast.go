package pipeline

import (
	"math"
	"strings"
	"time"
)

// StepType identifies the kind of work a step performs.
type StepType string

const (
	StepTypeTextProcessing StepType = "text_processing"
	StepTypeDataTransform  StepType = "data_transform"
	StepTypeAPICall        StepType = "api_call"
	StepTypeCondition      StepType = "condition"
	StepTypeLoop           StepType = "loop"
	StepTypeCustom         StepType = "custom"
)

const customPrefix = string(StepTypeCustom) + ":"

// Older definitions spell the step types without underscores.
var stepTypeAliases = map[string]StepType{
	"textprocessing": StepTypeTextProcessing,
	"datatransform":  StepTypeDataTransform,
	"apicall":        StepTypeAPICall,
}

// ParseStepType normalizes a step type name. Named custom kinds keep the
// case of their name ("custom:Enrich").
func ParseStepType(s string) StepType {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if alias, ok := stepTypeAliases[lower]; ok {
		return alias
	}
	if strings.HasPrefix(lower, customPrefix) {
		return StepType(customPrefix + s[len(customPrefix):])
	}
	return StepType(lower)
}

// CustomStepType returns the step type for a named custom step kind.
func CustomStepType(name string) StepType {
	if name == "" {
		return StepTypeCustom
	}
	return StepType(customPrefix + name)
}

// IsCustom reports whether t is "custom" or a named "custom:<name>" kind.
func (t StepType) IsCustom() bool {
	return t == StepTypeCustom || strings.HasPrefix(string(t), customPrefix)
}

// Kind returns the dispatch kind of t. Named custom kinds fold into
// StepTypeCustom.
func (t StepType) Kind() StepType {
	if t.IsCustom() {
		return StepTypeCustom
	}
	return t
}

// Known reports whether t names a step kind the engine can dispatch.
func (t StepType) Known() bool {
	switch t.Kind() {
	case StepTypeTextProcessing, StepTypeDataTransform, StepTypeAPICall,
		StepTypeCondition, StepTypeLoop, StepTypeCustom:
		return true
	}
	return false
}

func (t StepType) String() string { return string(t) }

// UnmarshalText normalizes step types read from JSON.
func (t *StepType) UnmarshalText(b []byte) error {
	*t = ParseStepType(string(b))
	return nil
}

// PipelineStatus is the lifecycle state of a pipeline definition or of a
// single execution.
type PipelineStatus string

const (
	StatusDraft     PipelineStatus = "draft"
	StatusReady     PipelineStatus = "ready"
	StatusRunning   PipelineStatus = "running"
	StatusCompleted PipelineStatus = "completed"
	StatusFailed    PipelineStatus = "failed"
	StatusCancelled PipelineStatus = "cancelled"
)

func (s PipelineStatus) String() string { return string(s) }

// Terminal reports whether s is one of the final execution states.
func (s PipelineStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a defined status.
func (s PipelineStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// UnmarshalText accepts any letter case ("Ready", "READY").
func (s *PipelineStatus) UnmarshalText(b []byte) error {
	*s = PipelineStatus(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// Step is one typed stage of a pipeline.
type Step struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Type           StepType       `json:"step_type" yaml:"step_type"`
	Config         map[string]any `json:"config" yaml:"config"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the declared step bound as a duration.
// Values too large for a time.Duration saturate at the maximum duration.
func (s *Step) Timeout() time.Duration {
	if int64(s.TimeoutSeconds) > maxTimeoutSeconds {
		return math.MaxInt64
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

// Pipeline is a named workflow definition. Steps run in slice order.
type Pipeline struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Status      PipelineStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of p. Step configs and metadata are copied so the
// clone shares no mutable state with p.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	if p.Steps != nil {
		out.Steps = make([]Step, len(p.Steps))
		for i, s := range p.Steps {
			s.Config = cloneObject(s.Config)
			out.Steps[i] = s
		}
	}
	out.Metadata = cloneObject(p.Metadata)
	return &out
}

// StepIndex returns the position of the step with the given id, or -1.
func (p *Pipeline) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
