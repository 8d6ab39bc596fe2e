// Package jobsdb implements the job manager registry on SQLite: job rows,
// published settings, duplicate prevention, and kill-by-query.
package jobsdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// DB is the single-writer registry.
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

var _ domain.JobRegistry = (*DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    unit            TEXT NOT NULL,
    experiment      TEXT NOT NULL,
    job_name        TEXT NOT NULL,
    job_source      TEXT NOT NULL,
    pid             INTEGER NOT NULL,
    leader          TEXT NOT NULL,
    is_long_running INTEGER NOT NULL DEFAULT 0,
    is_running      INTEGER NOT NULL DEFAULT 1,
    started_at      TIMESTAMP NOT NULL,
    ended_at        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_live ON jobs (unit, experiment, job_name) WHERE is_running = 1;

CREATE TABLE IF NOT EXISTS settings (
    job_id     INTEGER NOT NULL REFERENCES jobs (id),
    setting    TEXT NOT NULL,
    value      TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (job_id, setting)
);`

// Open opens (or creates) the registry database with WAL journaling.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("op=jobsdb.Open: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("op=jobsdb.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=jobsdb.Open schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Register inserts a live row after the duplicate check. At most one row with
// is_running=1 may exist per (unit, experiment, job_name); a second stirrer
// fighting over the same PWM pin is exactly what this prevents.
func (d *DB) Register(ctx context.Context, rec domain.JobRecord) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("op=jobsdb.Register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE unit = ? AND experiment = ? AND job_name = ? AND is_running = 1`,
		rec.Unit, rec.Experiment, rec.Name).Scan(&live)
	if err != nil {
		return 0, fmt.Errorf("op=jobsdb.Register: %w", err)
	}
	if live > 0 {
		return 0, fmt.Errorf("op=jobsdb.Register job=%s: %w", rec.Name, domain.ErrDuplicateJob)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (unit, experiment, job_name, job_source, pid, leader, is_long_running, is_running, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		rec.Unit, rec.Experiment, rec.Name, rec.Source, rec.PID, rec.Leader, boolToInt(rec.LongRunning), rec.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("op=jobsdb.Register: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("op=jobsdb.Register: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=jobsdb.Register: %w", err)
	}
	return id, nil
}

// UpsertSetting writes a published setting; nil deletes the row. Upserts are
// idempotent.
func (d *DB) UpsertSetting(ctx context.Context, jobID int64, setting string, value *string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value == nil {
		if _, err := d.db.ExecContext(ctx, `DELETE FROM settings WHERE job_id = ? AND setting = ?`, jobID, setting); err != nil {
			return fmt.Errorf("op=jobsdb.UpsertSetting: %w", err)
		}
		return nil
	}
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settings (job_id, setting, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, setting) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		jobID, setting, *value, now, now)
	if err != nil {
		return fmt.Errorf("op=jobsdb.UpsertSetting: %w", err)
	}
	return nil
}

// ListJobs returns rows matching f, newest first.
func (d *DB) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.JobRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	where, args := filterClause(f)
	q := `SELECT id, unit, experiment, job_name, job_source, pid, leader, is_long_running, is_running, started_at, ended_at
	      FROM jobs` + where + ` ORDER BY started_at DESC`
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=jobsdb.ListJobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.JobRecord
	for rows.Next() {
		var rec domain.JobRecord
		var long, running int
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Unit, &rec.Experiment, &rec.Name, &rec.Source, &rec.PID,
			&rec.Leader, &long, &running, &rec.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("op=jobsdb.ListJobs: %w", err)
		}
		rec.LongRunning = long == 1
		rec.IsRunning = running == 1
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSettings returns the published settings for a job.
func (d *DB) ListSettings(ctx context.Context, jobID int64) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `SELECT setting, value FROM settings WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=jobsdb.ListSettings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("op=jobsdb.ListSettings: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetNotRunning flips is_running and stamps ended_at.
func (d *DB) SetNotRunning(ctx context.Context, jobID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET is_running = 0, ended_at = ? WHERE id = ? AND is_running = 1`,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("op=jobsdb.SetNotRunning: %w", err)
	}
	return nil
}

// KillJobs resolves matching live rows and invokes stop on each. Rows whose
// stop succeeds are flipped to not running.
func (d *DB) KillJobs(ctx context.Context, f domain.JobFilter, stop func(domain.JobRecord) error) (int, error) {
	f.RunningOnly = true
	recs, err := d.ListJobs(ctx, f)
	if err != nil {
		return 0, err
	}
	killed := 0
	var firstErr error
	for _, rec := range recs {
		if err := stop(rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := d.SetNotRunning(ctx, rec.ID); err != nil && firstErr == nil {
			firstErr = err
		}
		killed++
	}
	return killed, firstErr
}

// CountRunning counts live rows for a job name.
func (d *DB) CountRunning(ctx context.Context, unit, experiment, name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE unit = ? AND experiment = ? AND job_name = ? AND is_running = 1`,
		unit, experiment, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=jobsdb.CountRunning: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (d *DB) Close() error { return d.db.Close() }

func filterClause(f domain.JobFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Unit != "" {
		conds = append(conds, "unit = ?")
		args = append(args, f.Unit)
	}
	if f.Experiment != "" {
		conds = append(conds, "experiment = ?")
		args = append(args, f.Experiment)
	}
	if f.Name != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, f.Name)
	}
	if f.Source != "" {
		conds = append(conds, "job_source LIKE ?")
		args = append(args, f.Source+"%")
	}
	if f.RunningOnly {
		conds = append(conds, "is_running = 1")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
