package pipeline

import (
	"sync"
	"time"
)

// executionState is the mutable record of one run while it is in flight.
// The executor goroutine writes to it; snapshots may be taken concurrently.
type executionState struct {
	mu   sync.RWMutex
	exec PipelineExecution
}

func newExecutionState(exec PipelineExecution) *executionState {
	if exec.StepResults == nil {
		exec.StepResults = []StepResult{}
	}
	return &executionState{exec: exec}
}

func (s *executionState) id() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec.ID
}

// input returns an independent copy of the execution input.
func (s *executionState) input() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneValue(s.exec.Input)
}

// appendResult adds a step result. Results are never modified once appended.
func (s *executionState) appendResult(r StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.StepResults = append(s.exec.StepResults, r)
}

// finish moves the execution to its terminal status.
func (s *executionState) finish(status PipelineStatus, output any, errMsg string, at time.Time, elapsedMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.Status = status
	s.exec.Output = output
	s.exec.ErrorMessage = errMsg
	s.exec.CompletedAt = &at
	s.exec.ExecutionTimeMS = &elapsedMS
}

// snapshot returns a deep copy of the current record.
func (s *executionState) snapshot() *PipelineExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec.Clone()
}
