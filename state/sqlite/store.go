package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	maxIndexAttempts   = 5
)

const runColumns = `run_id, workflow_id, run_index, status, variables, output, error, usage, attempts, created_at, updated_at, completed_at`

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// NewRun computes the next index inside the insert itself; a concurrent
// writer that wins the same index makes the unique constraint fail and the
// insert is retried.
func (s *Store) NewRun(ctx context.Context, workflowID string, variables map[string]any) (state.RunRecord, error) {
	if strings.TrimSpace(workflowID) == "" {
		return state.RunRecord{}, fmt.Errorf("workflow_id is required")
	}
	varsRaw, err := json.Marshal(state.MergeVariables(nil, variables))
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to marshal variables: %w", err)
	}
	runID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const q = `
INSERT INTO runs (run_id, workflow_id, run_index, status, variables, created_at, updated_at)
SELECT ?, ?, COALESCE(MAX(run_index), 0) + 1, ?, ?, ?, ?
FROM runs WHERE workflow_id = ?;
`
	for attempt := 0; attempt < maxIndexAttempts; attempt++ {
		_, err = s.db.ExecContext(ctx, q, runID, workflowID, string(state.RunPending), string(varsRaw), now, now, workflowID)
		if err == nil {
			return s.LoadRun(ctx, runID)
		}
		if !isUniqueViolation(err) {
			return state.RunRecord{}, fmt.Errorf("failed to create run: %w", err)
		}
	}
	return state.RunRecord{}, fmt.Errorf("failed to allocate run index: %w", state.ErrConflict)
}

func (s *Store) FindRun(ctx context.Context, workflowID string, runIndex int) (state.RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE workflow_id = ? AND run_index = ?;`
	return s.loadOne(ctx, q, workflowID, runIndex)
}

func (s *Store) LastRun(ctx context.Context, workflowID string) (state.RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE workflow_id = ? ORDER BY run_index DESC LIMIT 1;`
	return s.loadOne(ctx, q, workflowID)
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	q := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?;`
	return s.loadOne(ctx, q, runID)
}

func (s *Store) loadOne(ctx context.Context, q string, args ...any) (state.RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) UpdateRunVariables(ctx context.Context, workflowID string, runIndex int, variables map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		runID   string
		varsRaw string
	)
	err = tx.QueryRowContext(ctx, `SELECT run_id, variables FROM runs WHERE workflow_id = ? AND run_index = ?;`, workflowID, runIndex).Scan(&runID, &varsRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ErrNotFound
		}
		return fmt.Errorf("failed to load run variables: %w", err)
	}
	current := map[string]any{}
	if strings.TrimSpace(varsRaw) != "" {
		if err := json.Unmarshal([]byte(varsRaw), &current); err != nil {
			return fmt.Errorf("failed to decode run variables: %w", err)
		}
	}
	merged, err := json.Marshal(state.MergeVariables(current, variables))
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET variables = ?, updated_at = ? WHERE run_id = ?;`, string(merged), now, runID); err != nil {
		return fmt.Errorf("failed to update run variables: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveRunStatus(ctx context.Context, update state.StatusUpdate) error {
	run, err := s.LoadRun(ctx, update.RunID)
	if err != nil {
		return err
	}
	run = state.ApplyStatus(run, update, time.Now().UTC())
	usageRaw, err := json.Marshal(run.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	const q = `
UPDATE runs SET status = ?, output = ?, error = ?, usage = ?, attempts = ?, updated_at = ?, completed_at = ?
WHERE run_id = ?;
`
	_, err = s.db.ExecContext(ctx, q,
		string(run.Status),
		run.Output,
		run.Error,
		nullIfEmptyJSON(usageRaw),
		run.Attempts,
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to save run status: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, query.WorkflowID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}

	sqlText := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY workflow_id ASC, run_index DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (state.CheckpointRecord, error) {
	if checkpoint.RunID == "" || checkpoint.Key == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id and key are required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	if len(checkpoint.Value) == 0 {
		checkpoint.Value = json.RawMessage("null")
	}
	const q = `
INSERT INTO checkpoints (run_id, key, seq, value, created_at)
SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM checkpoints WHERE run_id = ?
ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at;
`
	_, err := s.db.ExecContext(ctx, q,
		checkpoint.RunID,
		checkpoint.Key,
		string(checkpoint.Value),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
		checkpoint.RunID,
	)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return s.LoadCheckpoint(ctx, checkpoint.RunID, checkpoint.Key)
}

func (s *Store) LoadCheckpoint(ctx context.Context, runID, key string) (state.CheckpointRecord, error) {
	const q = `SELECT run_id, key, seq, value, created_at FROM checkpoints WHERE run_id = ? AND key = ?;`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, runID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	const q = `
SELECT run_id, key, seq, value, created_at
FROM checkpoints
WHERE run_id = ?
ORDER BY seq ASC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		status       string
		varsRaw      string
		usageRaw     sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.WorkflowID,
		&run.RunIndex,
		&status,
		&varsRaw,
		&run.Output,
		&run.Error,
		&usageRaw,
		&run.Attempts,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	run.Status = state.RunStatus(status)
	run.Variables = map[string]any{}
	if strings.TrimSpace(varsRaw) != "" {
		if err := json.Unmarshal([]byte(varsRaw), &run.Variables); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run variables: %w", err)
		}
	}
	if usageRaw.Valid && strings.TrimSpace(usageRaw.String) != "" && usageRaw.String != "null" {
		var usage types.Usage
		if err := json.Unmarshal([]byte(usageRaw.String), &usage); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run usage: %w", err)
		}
		run.Usage = &usage
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func scanCheckpoint(row scanner) (state.CheckpointRecord, error) {
	var (
		cp         state.CheckpointRecord
		valueRaw   string
		createdRaw string
	)
	if err := row.Scan(&cp.RunID, &cp.Key, &cp.Seq, &valueRaw, &createdRaw); err != nil {
		return state.CheckpointRecord{}, err
	}
	cp.Value = json.RawMessage(valueRaw)
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	cp.CreatedAt = created
	return cp, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
