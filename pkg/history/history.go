// Package history persists finished runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmrace/pkg/models"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "history")

// ErrNotFound is returned when no run matches an id.
var ErrNotFound = errors.New("run not found")

// ErrEmptyPrefix is returned by GetRun for an empty id prefix.
var ErrEmptyPrefix = errors.New("run id prefix must not be empty")

// Store records and queries finished runs.
type Store interface {
	// Record stores a run and all of its results.
	Record(ctx context.Context, run *models.Run) error
	// ListRuns returns the most recent runs first, at most limit when limit > 0.
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	// GetRun returns the run whose id starts with idPrefix, and its results.
	GetRun(ctx context.Context, idPrefix string) (models.RunRecord, []models.ModelResult, error)
	// ModelSummary aggregates results per model, optionally filtered to one model.
	ModelSummary(ctx context.Context, model string) ([]models.ModelAggregate, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	stream INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	success_count INTEGER NOT NULL,
	failure_count INTEGER NOT NULL,
	avg_duration_ms INTEGER NOT NULL,
	avg_tokens_per_second REAL NOT NULL,
	total_tokens INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	seq INTEGER NOT NULL,
	model TEXT NOT NULL,
	slot TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at DATETIME,
	duration_ms INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	tokens_per_second REAL NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	cached INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_results_model ON results(model);
`

// New creates a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate runs table")
	}
	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate results table")
	}

	logger.KV(xlog.DEBUG, "status", "migrated", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

// Record stores a run and its results in one transaction.
func (s *SQLiteStore) Record(ctx context.Context, run *models.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin record")
	}
	defer func() { _ = tx.Rollback() }()

	sum := run.Summary
	total := sum.TotalTokens
	if run.Stream {
		for _, r := range run.Results {
			if r.Status == models.StatusCompleted {
				total += r.TotalTokens
			}
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, mode, stream, started_at, finished_at, success_count, failure_count, avg_duration_ms, avg_tokens_per_second, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), run.Stream, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		sum.SuccessCount, sum.FailureCount, sum.AvgDuration.Milliseconds(), sum.AvgTokensPerSecond, total,
	)
	if err != nil {
		return errors.Wrap(err, "record run")
	}

	for i, r := range run.Results {
		var started any
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO results (run_id, seq, model, slot, provider, status, started_at, duration_ms, input_tokens, output_tokens, total_tokens, tokens_per_second, error, response, cached)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, r.Model, string(r.Slot), r.Provider, string(r.Status), started, r.Duration.Milliseconds(),
			r.InputTokens, r.OutputTokens, r.TotalTokens, r.TokensPerSecond, r.Error, r.Response, r.Cached,
		)
		if err != nil {
			return errors.Wrapf(err, "record result %s", r.Label())
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit record")
	}
	return nil
}

const runColumns = `id, mode, stream, started_at, finished_at, success_count, failure_count, avg_duration_ms, avg_tokens_per_second, total_tokens`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.RunRecord, error) {
	var r models.RunRecord
	var mode string
	var finished time.Time
	err := row.Scan(&r.ID, &mode, &r.Stream, &r.StartedAt, &finished,
		&r.SuccessCount, &r.FailureCount, &r.AvgDurationMs, &r.AvgTokensPerSecond, &r.TotalTokens)
	if err != nil {
		return r, err
	}
	r.Mode = models.Mode(mode)
	r.DurationMs = finished.Sub(r.StartedAt).Milliseconds()
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []models.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns a run by id or unique id prefix. The prefix is matched
// literally.
func (s *SQLiteStore) GetRun(ctx context.Context, idPrefix string) (models.RunRecord, []models.ModelResult, error) {
	if idPrefix == "" {
		return models.RunRecord{}, nil, ErrEmptyPrefix
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE instr(id, ?) = 1 ORDER BY started_at DESC LIMIT 2`, idPrefix)
	if err != nil {
		return models.RunRecord{}, nil, errors.Wrap(err, "get run")
	}
	var found []models.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return models.RunRecord{}, nil, errors.Wrap(err, "scan run")
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.RunRecord{}, nil, errors.Wrap(err, "get run")
	}

	switch len(found) {
	case 0:
		return models.RunRecord{}, nil, errors.Wrapf(ErrNotFound, "id %q", idPrefix)
	case 2:
		return models.RunRecord{}, nil, errors.Newf("run id prefix %q is ambiguous", idPrefix)
	}

	results, err := s.runResults(ctx, found[0].ID)
	if err != nil {
		return models.RunRecord{}, nil, err
	}
	return found[0], results, nil
}

func (s *SQLiteStore) runResults(ctx context.Context, runID string) ([]models.ModelResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, slot, provider, status, started_at, duration_ms, input_tokens, output_tokens, total_tokens, tokens_per_second, error, response, cached
		 FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	var out []models.ModelResult
	for rows.Next() {
		var r models.ModelResult
		var slot, status string
		var started sql.NullTime
		var durMs int64
		if err := rows.Scan(&r.Model, &slot, &r.Provider, &status, &started, &durMs,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.TokensPerSecond, &r.Error, &r.Response, &r.Cached); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		r.RunID = runID
		r.Slot = models.Slot(slot)
		r.Status = models.Status(status)
		r.Duration = time.Duration(durMs) * time.Millisecond
		if started.Valid {
			r.StartedAt = started.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModelSummary aggregates results per model.
func (s *SQLiteStore) ModelSummary(ctx context.Context, model string) ([]models.ModelAggregate, error) {
	query := `SELECT model,
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN status = 'completed' THEN duration_ms END), 0),
		COALESCE(AVG(CASE WHEN status = 'completed' AND tokens_per_second > 0 THEN tokens_per_second END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN total_tokens ELSE 0 END), 0)
		FROM results`
	var args []any
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query model summary")
	}
	defer rows.Close()

	var out []models.ModelAggregate
	for rows.Next() {
		var a models.ModelAggregate
		if err := rows.Scan(&a.Model, &a.Requests, &a.Successes, &a.Failures,
			&a.AvgDurationMs, &a.AvgTokensPerSecond, &a.TotalTokens); err != nil {
			return nil, errors.Wrap(err, "scan model summary")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
