package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PipeOpsHQ/execflow/observe"
	observestore "github.com/PipeOpsHQ/execflow/observe/store"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite trace path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveRecord(ctx context.Context, r observe.Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode trace attributes: %w", err)
	}
	const q = `
INSERT INTO trace_records (
  run_id, source_id, parent_id, source_kind, type, status, name, message, error, attributes, payload, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		r.RunID,
		r.SourceID,
		r.ParentID,
		string(r.SourceKind),
		string(r.Type),
		string(r.Status),
		r.Name,
		r.Message,
		r.Error,
		string(attrs),
		r.Payload,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save trace record: %w", err)
	}
	return nil
}

// ListByRun returns a run's records in arrival order.
func (s *Store) ListByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observe.Record, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit, offset := bounds(query)
	const q = `
SELECT run_id, source_id, parent_id, source_kind, type, status, name, message, error, attributes, payload, timestamp
FROM trace_records
WHERE run_id = ?
ORDER BY seq ASC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace records: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace records: %w", err)
	}
	return out, nil
}

// ListRuns returns run ids, most recent first.
func (s *Store) ListRuns(ctx context.Context, query observestore.ListQuery) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit, offset := bounds(query)
	const q = `
SELECT run_id FROM trace_records
GROUP BY run_id
ORDER BY MAX(seq) DESC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace runs: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trace run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func bounds(query observestore.ListQuery) (int, int) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (observe.Record, error) {
	var (
		r          observe.Record
		sourceKind string
		typ        string
		status     string
		attrs      string
		tsRaw      string
	)
	if err := scanner.Scan(
		&r.RunID,
		&r.SourceID,
		&r.ParentID,
		&sourceKind,
		&typ,
		&status,
		&r.Name,
		&r.Message,
		&r.Error,
		&attrs,
		&r.Payload,
		&tsRaw,
	); err != nil {
		return observe.Record{}, fmt.Errorf("failed to scan trace record: %w", err)
	}
	r.SourceKind = observe.SourceKind(sourceKind)
	r.Type = observe.EventType(typ)
	r.Status = observe.Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		r.Timestamp = ts
	}
	if attrs != "" && attrs != "null" {
		_ = json.Unmarshal([]byte(attrs), &r.Attributes)
	}
	return r, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	where := "1 = 1"
	args := []any{}
	if query.Since != nil {
		where = "timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	counter := func(kind observe.SourceKind, typ observe.EventType, status observe.Status) (int64, error) {
		q := "SELECT COUNT(*) FROM trace_records WHERE " + where + " AND type = ?"
		qArgs := append([]any{}, args...)
		qArgs = append(qArgs, string(typ))
		if kind != "" {
			q += " AND source_kind = ?"
			qArgs = append(qArgs, string(kind))
		}
		if status != "" {
			q += " AND status = ?"
			qArgs = append(qArgs, string(status))
		}
		var n int64
		if err := s.db.QueryRowContext(ctx, q, qArgs...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := observestore.MetricsSummary{}
	steps := []struct {
		name   string
		dst    *int64
		kind   observe.SourceKind
		typ    observe.EventType
		status observe.Status
	}{
		{"runs started", &metrics.RunsStarted, observe.SourceWorkflow, observe.EventStarted, ""},
		{"runs completed", &metrics.RunsCompleted, observe.SourceWorkflow, observe.EventFinished, observe.StatusCompleted},
		{"runs failed", &metrics.RunsFailed, observe.SourceWorkflow, observe.EventFinished, observe.StatusFailed},
		{"tasks completed", &metrics.TasksCompleted, observe.SourceTask, observe.EventFinished, observe.StatusCompleted},
		{"tasks failed", &metrics.TasksFailed, observe.SourceTask, observe.EventFinished, observe.StatusFailed},
		{"judge calls", &metrics.JudgeCalls, observe.SourceJudge, observe.EventFinished, ""},
		{"low consistency", &metrics.LowConsistency, "", observe.EventLowConsistency, ""},
		{"item failures", &metrics.ItemFailures, observe.SourceLoopItem, observe.EventFinished, observe.StatusFailed},
	}
	for _, step := range steps {
		n, err := counter(step.kind, step.typ, step.status)
		if err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("metrics %s: %w", step.name, err)
		}
		*step.dst = n
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
