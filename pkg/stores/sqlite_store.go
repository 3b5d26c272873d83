package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/Aehmlo/deoxy/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists terminal runs to SQLite. It implements
// engine.History.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded schema.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun persists a terminal run and its step log in one
// transaction. Recording a run twice with the same id is an error; the
// engine records each run exactly once.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.Run) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("refusing to record non-terminal run %s (%s)", run.ID, run.Status)
	}

	programJSON, err := json.Marshal(run.Program)
	if err != nil {
		return fmt.Errorf("failed to marshal program snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var faultClass, faultMessage *string
	var faultStep *int
	if run.Fault != nil {
		class := string(run.Fault.Class)
		msg := run.Fault.Message
		faultClass = &class
		faultMessage = &msg
		if run.Fault.Step >= 0 {
			step := run.Fault.Step
			faultStep = &step
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, program_id, program_name, program_json, status,
			fault_class, fault_message, fault_step,
			created_at, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ProgramID,
		run.Program.Name,
		string(programJSON),
		string(run.Status),
		faultClass,
		faultMessage,
		faultStep,
		run.CreatedAt,
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, step := range run.Results {
		var reading *string
		if step.FinalReading != nil {
			text := step.FinalReading.String()
			reading = &text
		}
		var stepFaultClass, stepFaultMessage *string
		if step.Fault != nil {
			class := string(step.Fault.Class)
			msg := step.Fault.Message
			stepFaultClass = &class
			stepFaultMessage = &msg
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_results (
				run_id, idx, device_id, action, started_at,
				elapsed_ms, final_reading, polls, fault_class, fault_message
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			step.Index,
			step.DeviceID,
			string(step.Action),
			step.StartedAt,
			step.Elapsed.Milliseconds(),
			reading,
			step.Polls,
			stepFaultClass,
			stepFaultMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step result %d: %w", step.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}
	return nil
}

// GetRun retrieves a recorded run with its step log.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	record := &RunRecord{}
	var durationMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, program_id, program_name, program_json, status,
			   fault_class, fault_message, fault_step,
			   created_at, started_at, completed_at, duration_ms
		FROM runs
		WHERE id = ?
	`, id).Scan(
		&record.ID,
		&record.ProgramID,
		&record.ProgramName,
		&record.ProgramJSON,
		&record.Status,
		&record.FaultClass,
		&record.FaultMessage,
		&record.FaultStep,
		&record.CreatedAt,
		&record.StartedAt,
		&record.CompletedAt,
		&durationMs,
	)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	record.Duration = time.Duration(durationMs) * time.Millisecond

	steps, err := s.getSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Steps = steps
	return record, nil
}

func (s *SQLiteStore) getSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, device_id, action, started_at, elapsed_ms,
			   final_reading, polls, fault_class, fault_message
		FROM step_results
		WHERE run_id = ?
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var elapsedMs int64
		err := rows.Scan(
			&step.Index,
			&step.DeviceID,
			&step.Action,
			&step.StartedAt,
			&elapsedMs,
			&step.FinalReading,
			&step.Polls,
			&step.FaultClass,
			&step.FaultMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		step.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return steps, nil
}

// ListRuns lists recorded runs newest first, without step logs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, program_id, program_name, program_json, status,
			   fault_class, fault_message, fault_step,
			   created_at, started_at, completed_at, duration_ms
		FROM runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := []*RunRecord{}
	for rows.Next() {
		record := &RunRecord{}
		var durationMs int64
		err := rows.Scan(
			&record.ID,
			&record.ProgramID,
			&record.ProgramName,
			&record.ProgramJSON,
			&record.Status,
			&record.FaultClass,
			&record.FaultMessage,
			&record.FaultStep,
			&record.CreatedAt,
			&record.StartedAt,
			&record.CompletedAt,
			&durationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// DeleteRun deletes a recorded run and its step log.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFound("run", id)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
