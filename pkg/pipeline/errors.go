package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExecutionFinalized is returned when a store is asked to overwrite an
// execution that already reached a terminal status.
var ErrExecutionFinalized = errors.New("execution already finalized")

// ValidationError reports every problem found in a pipeline definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid pipeline: " + e.Problems[0]
	}
	return "invalid pipeline:\n  " + strings.Join(e.Problems, "\n  ")
}

// NotFoundError is returned when a pipeline or execution id is unknown.
type NotFoundError struct {
	Kind string // "pipeline" or "execution"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotReadyError is returned when a pipeline is executed before it has been
// marked ready.
type NotReadyError struct {
	PipelineID string
	Status     PipelineStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("pipeline %q is %s, not ready", e.PipelineID, e.Status)
}

// StepErrorKind classifies why a step did not complete.
type StepErrorKind string

const (
	StepFailure   StepErrorKind = "failure"
	StepTimeout   StepErrorKind = "timeout"
	StepCancelled StepErrorKind = "cancelled"
)

// StepError describes a step that did not complete.
type StepError struct {
	StepID  string
	Kind    StepErrorKind
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %s", e.StepID, e.Message)
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
