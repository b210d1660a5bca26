// Package sqlite is a pipeline.Store backed by database/sql and the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// DefaultDSN is a named in-memory database shared by the connections of one
// process.
const DefaultDSN = "file:stepflow?mode=memory&cache=shared"

// Store is a SQLite implementation of pipeline.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ pipeline.Store = (*Store)(nil)

// New opens the database at dsn and creates the schema.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One long-lived connection keeps an in-memory database alive and
	// serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			steps TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			step_results TEXT NOT NULL,
			execution_time_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON executions(pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ─── pipelines ───────────────────────────────────────────────────────────────

const pipelineColumns = `id, name, description, status, steps, metadata, created_at, updated_at`

func (s *Store) CreatePipeline(ctx context.Context, p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	def := p.Clone()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := pipeline.ValidateDefinition(def); err != nil {
		return nil, err
	}
	now := s.now()
	def.CreatedAt, def.UpdatedAt = now, now

	steps, metadata, err := encodeDefinition(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM pipelines WHERE id = ?`, def.ID).Scan(&exists)
	switch {
	case err == nil:
		return nil, &pipeline.ValidationError{Problems: []string{fmt.Sprintf("pipeline %q already exists", def.ID)}}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check pipeline: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pipelines (`+pipelineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, string(def.Status), steps, metadata,
		def.CreatedAt.UnixNano(), def.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return def, nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := []*pipeline.Pipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	return p, err
}

func (s *Store) UpdatePipeline(ctx context.Context, id string, p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanPipeline(tx.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	if err != nil {
		return nil, err
	}

	def := p.Clone()
	def.ID = id
	if def.Status == "" {
		def.Status = existing.Status
	}
	if err := pipeline.ValidateDefinition(def); err != nil {
		return nil, err
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = s.now()

	steps, metadata, err := encodeDefinition(def)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE pipelines SET name = ?, description = ?, status = ?, steps = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		def.Name, def.Description, string(def.Status), steps, metadata, def.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return def, nil
}

func (s *Store) DeletePipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPipeline(tx.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "pipeline", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete pipeline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// ─── executions ──────────────────────────────────────────────────────────────

const executionColumns = `id, pipeline_id, status, input, output, started_at, completed_at, error_message, step_results, execution_time_ms`

func (s *Store) RecordExecution(ctx context.Context, exec pipeline.PipelineExecution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	results := exec.StepResults
	if results == nil {
		results = []pipeline.StepResult{}
	}
	stepResults, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	var completedAt, elapsed sql.NullInt64
	if exec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: exec.CompletedAt.UnixNano(), Valid: true}
	}
	if exec.ExecutionTimeMS != nil {
		elapsed = sql.NullInt64{Int64: *exec.ExecutionTimeMS, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, exec.ID).Scan(&status)
	switch {
	case err == nil:
		if pipeline.PipelineStatus(status).Terminal() {
			return fmt.Errorf("execution %q: %w", exec.ID, pipeline.ErrExecutionFinalized)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			step_results = excluded.step_results,
			execution_time_ms = excluded.execution_time_ms`,
		exec.ID, exec.PipelineID, string(exec.Status), string(input), string(output),
		exec.StartedAt.UnixNano(), completedAt, exec.ErrorMessage, string(stepResults), elapsed,
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetExecution(ctx context.Context, id string) (*pipeline.PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "execution", ID: id}
	}
	return e, err
}

func (s *Store) ListExecutions(ctx context.Context, pipelineID string) ([]*pipeline.PipelineExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if pipelineID != "" {
		query += ` WHERE pipeline_id = ?`
		args = append(args, pipelineID)
	}
	query += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*pipeline.PipelineExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Statistics(ctx context.Context) (pipeline.ExecutionStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return pipeline.ExecutionStatistics{}, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.PipelineStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return pipeline.ExecutionStatistics{}, err
		}
		counts[pipeline.PipelineStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return pipeline.ExecutionStatistics{}, err
	}
	return pipeline.NewExecutionStatistics(counts), nil
}

// Close closes the database. An in-memory database is discarded.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── scanning ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func encodeDefinition(p *pipeline.Pipeline) (steps, metadata string, err error) {
	b, err := json.Marshal(p.Steps)
	if err != nil {
		return "", "", fmt.Errorf("marshal steps: %w", err)
	}
	m, err := json.Marshal(p.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), string(m), nil
}

func scanPipeline(row scanner) (*pipeline.Pipeline, error) {
	var (
		p                    pipeline.Pipeline
		status, steps        string
		metadata             sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &status, &steps, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = pipeline.PipelineStatus(status)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

func scanExecution(row scanner) (*pipeline.PipelineExecution, error) {
	var (
		e                    pipeline.PipelineExecution
		status, stepResults  string
		input, output        sql.NullString
		startedAt            int64
		completedAt, elapsed sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.PipelineID, &status, &input, &output, &startedAt,
		&completedAt, &e.ErrorMessage, &stepResults, &elapsed); err != nil {
		return nil, err
	}
	e.Status = pipeline.PipelineStatus(status)
	e.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		e.CompletedAt = &t
	}
	if elapsed.Valid {
		ms := elapsed.Int64
		e.ExecutionTimeMS = &ms
	}
	if err := unmarshalNullable(input, &e.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := unmarshalNullable(output, &e.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if err := json.Unmarshal([]byte(stepResults), &e.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	return &e, nil
}

func unmarshalNullable(s sql.NullString, dst *any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
