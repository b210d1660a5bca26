package pipeline

import "time"

// StepResult records the outcome of one step within an execution.
type StepResult struct {
	StepID          string         `json:"step_id"`
	StepName        string         `json:"step_name"`
	Status          PipelineStatus `json:"status"`
	Input           any            `json:"input"`
	Output          any            `json:"output"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// PipelineExecution is the record of a single run of a pipeline.
type PipelineExecution struct {
	ID              string         `json:"id"`
	PipelineID      string         `json:"pipeline_id"`
	Status          PipelineStatus `json:"status"`
	Input           any            `json:"input"`
	Output          any            `json:"output"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	StepResults     []StepResult   `json:"step_results"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
}

// Clone returns a deep copy of e.
func (e *PipelineExecution) Clone() *PipelineExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input = CloneValue(e.Input)
	out.Output = CloneValue(e.Output)
	out.CompletedAt = cloneTime(e.CompletedAt)
	if e.ExecutionTimeMS != nil {
		ms := *e.ExecutionTimeMS
		out.ExecutionTimeMS = &ms
	}
	out.StepResults = make([]StepResult, len(e.StepResults))
	for i, r := range e.StepResults {
		r.Input = CloneValue(r.Input)
		r.Output = CloneValue(r.Output)
		r.CompletedAt = cloneTime(r.CompletedAt)
		out.StepResults[i] = r
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionStatistics aggregates execution outcomes across all pipelines.
type ExecutionStatistics struct {
	TotalExecutions int     `json:"total_executions"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	Running         int     `json:"running"`
	SuccessRate     float64 `json:"success_rate"`
}

// NewExecutionStatistics builds statistics from per-status execution counts.
func NewExecutionStatistics(counts map[PipelineStatus]int) ExecutionStatistics {
	var st ExecutionStatistics
	for _, n := range counts {
		st.TotalExecutions += n
	}
	st.Successful = counts[StatusCompleted]
	st.Failed = counts[StatusFailed]
	st.Cancelled = counts[StatusCancelled]
	st.Running = counts[StatusRunning]
	if st.TotalExecutions > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.TotalExecutions) * 100
	}
	return st
}
