// Package storetest holds the behavioural tests every pipeline.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// Definition returns a minimal valid pipeline with the given id.
func Definition(id string) pipeline.Pipeline {
	return pipeline.Pipeline{
		ID:     id,
		Name:   "pipeline " + id,
		Status: pipeline.StatusReady,
		Steps: []pipeline.Step{{
			ID:             "s1",
			Name:           "validate",
			Type:           pipeline.StepTypeTextProcessing,
			Config:         map[string]any{"operation": "validate"},
			TimeoutSeconds: 30,
		}},
		Metadata: map[string]any{"owner": "tests"},
	}
}

// Run exercises a Store produced by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) pipeline.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		created, err := s.CreatePipeline(ctx, Definition("p1"))
		require.NoError(t, err)
		assert.Equal(t, "p1", created.ID)
		assert.False(t, created.CreatedAt.IsZero())
		assert.Equal(t, created.CreatedAt, created.UpdatedAt)

		got, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "pipeline p1", got.Name)
		assert.Equal(t, pipeline.StatusReady, got.Status)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "validate", got.Steps[0].Config["operation"])
		assert.Equal(t, "tests", got.Metadata["owner"])
	})

	t.Run("CreateAssignsIDAndDraftStatus", func(t *testing.T) {
		s := newStore(t)
		def := Definition("")
		def.Status = ""
		created, err := s.CreatePipeline(t.Context(), def)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, pipeline.StatusDraft, created.Status)
	})

	t.Run("CreateRejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		noName := Definition("a")
		noName.Name = ""
		noSteps := Definition("b")
		noSteps.Steps = nil
		zeroTimeout := Definition("c")
		zeroTimeout.Steps[0].TimeoutSeconds = 0
		badType := Definition("d")
		badType.Steps[0].Type = "teleport"

		for _, def := range []pipeline.Pipeline{noName, noSteps, zeroTimeout, badType} {
			_, err := s.CreatePipeline(ctx, def)
			var ve *pipeline.ValidationError
			require.ErrorAs(t, err, &ve, "definition %q", def.ID)
			_, err = s.GetPipeline(ctx, def.ID)
			assert.True(t, pipeline.IsNotFound(err), "definition %q was stored", def.ID)
		}
	})

	t.Run("CreateRejectsDuplicateID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreatePipeline(t.Context(), Definition("dup"))
		require.NoError(t, err)
		_, err = s.CreatePipeline(t.Context(), Definition("dup"))
		assert.True(t, pipeline.IsValidation(err))
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		_, err := s.CreatePipeline(ctx, Definition("p1"))
		require.NoError(t, err)

		got, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		got.Steps[0].Config["operation"] = "cleanup"
		got.Name = "changed"

		again, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "validate", again.Steps[0].Config["operation"])
		assert.Equal(t, "pipeline p1", again.Name)
	})

	t.Run("ListSortedByID", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"c", "a", "b"} {
			_, err := s.CreatePipeline(t.Context(), Definition(id))
			require.NoError(t, err)
		}
		list, err := s.ListPipelines(t.Context())
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		created, err := s.CreatePipeline(ctx, Definition("p1"))
		require.NoError(t, err)

		time.Sleep(2 * time.Millisecond)
		next := Definition("ignored")
		next.Name = "renamed"
		next.Status = ""
		next.Description = "new"
		updated, err := s.UpdatePipeline(ctx, "p1", next)
		require.NoError(t, err)
		assert.Equal(t, "p1", updated.ID)
		assert.Equal(t, "renamed", updated.Name)
		assert.Equal(t, pipeline.StatusReady, updated.Status, "empty status keeps the stored one")
		assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

		_, err = s.UpdatePipeline(ctx, "missing", next)
		assert.True(t, pipeline.IsNotFound(err))

		bad := Definition("p1")
		bad.Steps = nil
		_, err = s.UpdatePipeline(ctx, "p1", bad)
		assert.True(t, pipeline.IsValidation(err))
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		_, err := s.CreatePipeline(ctx, Definition("p1"))
		require.NoError(t, err)

		removed, err := s.DeletePipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", removed.ID)

		_, err = s.GetPipeline(ctx, "p1")
		assert.True(t, pipeline.IsNotFound(err))
		_, err = s.DeletePipeline(ctx, "p1")
		assert.True(t, pipeline.IsNotFound(err))
	})

	t.Run("Executions", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		mustRecord(t, ctx, s, execution("e2", "p1", base.Add(time.Second), pipeline.StatusRunning))
		mustRecord(t, ctx, s, execution("e1", "p1", base, pipeline.StatusRunning))
		mustRecord(t, ctx, s, execution("e3", "p2", base.Add(2*time.Second), pipeline.StatusRunning))

		all, err := s.ListExecutions(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"e1", "e2", "e3"}, []string{all[0].ID, all[1].ID, all[2].ID})

		p1, err := s.ListExecutions(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, p1, 2)

		none, err := s.ListExecutions(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = s.GetExecution(ctx, "missing")
		assert.True(t, pipeline.IsNotFound(err))
	})

	t.Run("TerminalExecutionIsFinal", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		running := execution("e1", "p1", start, pipeline.StatusRunning)
		mustRecord(t, ctx, s, running)

		done := execution("e1", "p1", start, pipeline.StatusCompleted)
		completed := start.Add(time.Second)
		ms := int64(1000)
		done.CompletedAt = &completed
		done.ExecutionTimeMS = &ms
		done.Output = map[string]any{"ok": true}
		done.StepResults = []pipeline.StepResult{{StepID: "s1", StepName: "validate", Status: pipeline.StatusCompleted, StartedAt: start, CompletedAt: &completed, ExecutionTimeMS: 1000}}
		mustRecord(t, ctx, s, done)

		err := s.RecordExecution(ctx, running)
		assert.True(t, errors.Is(err, pipeline.ErrExecutionFinalized), "err = %v", err)

		got, err := s.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusCompleted, got.Status)
		require.NotNil(t, got.ExecutionTimeMS)
		assert.Equal(t, int64(1000), *got.ExecutionTimeMS)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(completed))
		assert.Equal(t, map[string]any{"ok": true}, got.Output)
		require.Len(t, got.StepResults, 1)
		assert.Equal(t, "s1", got.StepResults[0].StepID)
	})

	t.Run("Statistics", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		empty, err := s.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, pipeline.ExecutionStatistics{}, empty)

		mustRecord(t, ctx, s, execution("a", "p", start, pipeline.StatusCompleted))
		mustRecord(t, ctx, s, execution("b", "p", start, pipeline.StatusCompleted))
		mustRecord(t, ctx, s, execution("c", "p", start, pipeline.StatusFailed))
		mustRecord(t, ctx, s, execution("d", "p", start, pipeline.StatusRunning))

		st, err := s.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, st.TotalExecutions)
		assert.Equal(t, 2, st.Successful)
		assert.Equal(t, 1, st.Failed)
		assert.Equal(t, 1, st.Running)
		assert.InDelta(t, 50.0, st.SuccessRate, 1e-9)
	})
}

func execution(id, pipelineID string, started time.Time, status pipeline.PipelineStatus) pipeline.PipelineExecution {
	return pipeline.PipelineExecution{
		ID:          id,
		PipelineID:  pipelineID,
		Status:      status,
		Input:       map[string]any{"content": "x"},
		StartedAt:   started,
		StepResults: []pipeline.StepResult{},
	}
}

func mustRecord(t *testing.T, ctx context.Context, s pipeline.Store, e pipeline.PipelineExecution) {
	t.Helper()
	require.NoError(t, s.RecordExecution(ctx, e))
}
