// Package memory is an in-process pipeline.Store backed by maps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// Store keeps pipelines and executions in two independently locked maps.
// Values are deep copied on the way in and out.
type Store struct {
	now func() time.Time

	pipelinesMu sync.RWMutex
	pipelines   map[string]*pipeline.Pipeline

	executionsMu sync.RWMutex
	executions   map[string]*pipeline.PipelineExecution
}

var _ pipeline.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		pipelines:  make(map[string]*pipeline.Pipeline),
		executions: make(map[string]*pipeline.PipelineExecution),
	}
}

func (s *Store) CreatePipeline(_ context.Context, p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	def := p.Clone()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := pipeline.ValidateDefinition(def); err != nil {
		return nil, err
	}

	s.pipelinesMu.Lock()
	defer s.pipelinesMu.Unlock()
	if _, exists := s.pipelines[def.ID]; exists {
		return nil, &pipeline.ValidationError{Problems: []string{fmt.Sprintf("pipeline %q already exists", def.ID)}}
	}
	now := s.now()
	def.CreatedAt, def.UpdatedAt = now, now
	s.pipelines[def.ID] = def
	return def.Clone(), nil
}

func (s *Store) ListPipelines(_ context.Context) ([]*pipeline.Pipeline, error) {
	s.pipelinesMu.RLock()
	out := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	s.pipelinesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPipeline(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.pipelinesMu.RLock()
	defer s.pipelinesMu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	return p.Clone(), nil
}

func (s *Store) UpdatePipeline(_ context.Context, id string, p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	def := p.Clone()
	def.ID = id

	s.pipelinesMu.Lock()
	defer s.pipelinesMu.Unlock()
	existing, ok := s.pipelines[id]
	if !ok {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	if def.Status == "" {
		def.Status = existing.Status
	}
	if err := pipeline.ValidateDefinition(def); err != nil {
		return nil, err
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = s.now()
	s.pipelines[id] = def
	return def.Clone(), nil
}

func (s *Store) DeletePipeline(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.pipelinesMu.Lock()
	defer s.pipelinesMu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	delete(s.pipelines, id)
	return p, nil
}

func (s *Store) RecordExecution(_ context.Context, exec pipeline.PipelineExecution) error {
	s.executionsMu.Lock()
	defer s.executionsMu.Unlock()
	if existing, ok := s.executions[exec.ID]; ok && existing.Status.Terminal() {
		return fmt.Errorf("execution %q: %w", exec.ID, pipeline.ErrExecutionFinalized)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*pipeline.PipelineExecution, error) {
	s.executionsMu.RLock()
	defer s.executionsMu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, &pipeline.NotFoundError{Kind: "execution", ID: id}
	}
	return e.Clone(), nil
}

func (s *Store) ListExecutions(_ context.Context, pipelineID string) ([]*pipeline.PipelineExecution, error) {
	s.executionsMu.RLock()
	out := make([]*pipeline.PipelineExecution, 0, len(s.executions))
	for _, e := range s.executions {
		if pipelineID == "" || e.PipelineID == pipelineID {
			out = append(out, e.Clone())
		}
	}
	s.executionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Statistics(_ context.Context) (pipeline.ExecutionStatistics, error) {
	counts := make(map[pipeline.PipelineStatus]int)
	s.executionsMu.RLock()
	for _, e := range s.executions {
		counts[e.Status]++
	}
	s.executionsMu.RUnlock()
	return pipeline.NewExecutionStatistics(counts), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
