// Package leaderdb holds the leader's cluster tables: experiments, workers,
// experiment assignments, and per-experiment unit labels.
package leaderdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    experiment  TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS workers (
    pioreactor_unit TEXT PRIMARY KEY,
    added_at        TEXT NOT NULL,
    is_active       INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS experiment_worker_assignments (
    pioreactor_unit TEXT PRIMARY KEY REFERENCES workers(pioreactor_unit) ON DELETE CASCADE,
    experiment      TEXT NOT NULL REFERENCES experiments(experiment) ON DELETE CASCADE,
    assigned_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pioreactor_unit_labels (
    experiment      TEXT NOT NULL,
    pioreactor_unit TEXT NOT NULL,
    label           TEXT NOT NULL,
    PRIMARY KEY (experiment, pioreactor_unit)
);
`

// Experiment is one experiment row.
type Experiment struct {
	Experiment  string    `json:"experiment"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
}

// Worker is one cluster worker row.
type Worker struct {
	PioreactorUnit string    `json:"pioreactor_unit"`
	AddedAt        time.Time `json:"added_at"`
	IsActive       bool      `json:"is_active"`
}

// Assignment ties a worker to an experiment.
type Assignment struct {
	PioreactorUnit string `json:"pioreactor_unit"`
	Experiment     string `json:"experiment"`
}

// Store is the leader cluster database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("op=leaderdb.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=leaderdb.Open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateExperiment inserts a new experiment; duplicates fail.
func (s *Store) CreateExperiment(ctx context.Context, name, description string) (Experiment, error) {
	e := Experiment{Experiment: name, CreatedAt: time.Now().UTC(), Description: description}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (experiment, created_at, description) VALUES (?, ?, ?)`,
		e.Experiment, e.CreatedAt.Format(time.RFC3339Nano), e.Description)
	if err != nil {
		return Experiment{}, fmt.Errorf("op=leaderdb.CreateExperiment experiment=%s: %w", name, domain.ErrInvalidArgument)
	}
	return e, nil
}

// GetExperiment returns one experiment.
func (s *Store) GetExperiment(ctx context.Context, name string) (Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT experiment, created_at, description FROM experiments WHERE experiment = ?`, name)
	return scanExperiment(row)
}

// LatestExperiment returns the most recently created experiment.
func (s *Store) LatestExperiment(ctx context.Context) (Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT experiment, created_at, description FROM experiments ORDER BY created_at DESC LIMIT 1`)
	return scanExperiment(row)
}

func scanExperiment(row *sql.Row) (Experiment, error) {
	var e Experiment
	var createdAt string
	if err := row.Scan(&e.Experiment, &createdAt, &e.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Experiment{}, fmt.Errorf("op=leaderdb.experiment: %w", domain.ErrNotFound)
		}
		return Experiment{}, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// ListExperiments returns all experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment, created_at, description FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Experiment
	for rows.Next() {
		var e Experiment
		var createdAt string
		if err := rows.Scan(&e.Experiment, &createdAt, &e.Description); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddWorker registers a worker in the cluster inventory.
func (s *Store) AddWorker(ctx context.Context, unit string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (pioreactor_unit, added_at, is_active) VALUES (?, ?, 1)
		 ON CONFLICT(pioreactor_unit) DO UPDATE SET is_active = 1`,
		unit, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RemoveWorker drops a worker and its assignment.
func (s *Store) RemoveWorker(ctx context.Context, unit string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE pioreactor_unit = ?`, unit)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=leaderdb.RemoveWorker unit=%s: %w", unit, domain.ErrNotFound)
	}
	return nil
}

// ListWorkers returns the cluster inventory.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pioreactor_unit, added_at, is_active FROM workers ORDER BY pioreactor_unit`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Worker
	for rows.Next() {
		var w Worker
		var addedAt string
		var active int
		if err := rows.Scan(&w.PioreactorUnit, &addedAt, &active); err != nil {
			return nil, err
		}
		w.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
		w.IsActive = active == 1
		out = append(out, w)
	}
	return out, rows.Err()
}

// AssignWorker moves a worker onto an experiment, replacing any previous
// assignment.
func (s *Store) AssignWorker(ctx context.Context, unit, experiment string) error {
	if _, err := s.GetExperiment(ctx, experiment); err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE pioreactor_unit = ?`, unit).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("op=leaderdb.AssignWorker unit=%s: %w", unit, domain.ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_worker_assignments (pioreactor_unit, experiment, assigned_at) VALUES (?, ?, ?)
		 ON CONFLICT(pioreactor_unit) DO UPDATE SET experiment = excluded.experiment, assigned_at = excluded.assigned_at`,
		unit, experiment, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// UnassignWorker detaches a worker from its experiment.
func (s *Store) UnassignWorker(ctx context.Context, unit string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM experiment_worker_assignments WHERE pioreactor_unit = ?`, unit)
	return err
}

// AssignedUnits lists the workers assigned to one experiment.
func (s *Store) AssignedUnits(ctx context.Context, experiment string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pioreactor_unit, experiment FROM experiment_worker_assignments WHERE experiment = ? ORDER BY pioreactor_unit`,
		experiment)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.PioreactorUnit, &a.Experiment); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// IsAssigned reports whether a worker is assigned to the experiment.
func (s *Store) IsAssigned(ctx context.Context, unit, experiment string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM experiment_worker_assignments WHERE pioreactor_unit = ? AND experiment = ?`,
		unit, experiment).Scan(&n)
	return n > 0, err
}

// SetUnitLabel upserts a worker's friendly label inside an experiment.
func (s *Store) SetUnitLabel(ctx context.Context, experiment, unit, label string) error {
	if label == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM pioreactor_unit_labels WHERE experiment = ? AND pioreactor_unit = ?`, experiment, unit)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pioreactor_unit_labels (experiment, pioreactor_unit, label) VALUES (?, ?, ?)
		 ON CONFLICT(experiment, pioreactor_unit) DO UPDATE SET label = excluded.label`,
		experiment, unit, label)
	return err
}

// UnitLabels returns unit -> label for one experiment.
func (s *Store) UnitLabels(ctx context.Context, experiment string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pioreactor_unit, label FROM pioreactor_unit_labels WHERE experiment = ?`, experiment)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var unit, label string
		if err := rows.Scan(&unit, &label); err != nil {
			return nil, err
		}
		out[unit] = label
	}
	return out, rows.Err()
}
