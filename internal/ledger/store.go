package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout keeps a fixed fraction width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages run history backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the ledger database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a new running run and returns it.
func (s *Store) Begin(ctx context.Context, start Start) (*Run, error) {
	if strings.TrimSpace(start.InputPath) == "" {
		return nil, errors.New("input path is required")
	}
	if start.Mode == "" {
		start.Mode = ModeResume
	}
	if start.ID == "" {
		start.ID = uuid.NewString()
	}
	hostname, _ := os.Hostname()
	run := &Run{
		ID:             start.ID,
		InputPath:      start.InputPath,
		OutputLocation: start.OutputLocation,
		Model:          start.Model,
		Status:         StatusRunning,
		Mode:           start.Mode,
		Hostname:       hostname,
		PID:            os.Getpid(),
		StartedAt:      s.now().UTC(),
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
            id, input_path, output_location, model, status, mode,
            hostname, pid, started_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.InputPath,
		run.OutputLocation,
		nullableString(run.Model),
		run.Status,
		run.Mode,
		nullableString(run.Hostname),
		run.PID,
		run.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Finish writes the final tally of a run.
func (s *Store) Finish(ctx context.Context, id string, outcome Outcome) error {
	if outcome.Status == "" || outcome.Status == StatusRunning {
		return fmt.Errorf("finish run %s: terminal status required", id)
	}
	errorMessage := ""
	if outcome.Err != nil {
		errorMessage = outcome.Err.Error()
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
         SET status = ?, total_items = ?, already_completed = ?, duplicates = ?,
             pending = ?, succeeded = ?, failed = ?, abandoned = ?,
             error_message = ?, finished_at = ?
         WHERE id = ?`,
		outcome.Status,
		outcome.TotalItems,
		outcome.AlreadyCompleted,
		outcome.Duplicates,
		outcome.Pending,
		outcome.Succeeded,
		outcome.Failed,
		outcome.Abandoned,
		nullableString(errorMessage),
		s.now().UTC().Format(timeLayout),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run %s: not found", id)
	}
	return nil
}

// Get fetches a run by identifier. A missing run yields (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first, filtered by status when any are
// given. A non-positive limit returns every run.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ReconcileStale marks running rows left behind by processes on this host that
// no longer exist as interrupted.
func (s *Store) ReconcileStale(ctx context.Context) (int, error) {
	hostname, _ := os.Hostname()
	running, err := s.List(ctx, 0, StatusRunning)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, run := range running {
		if run.Hostname != hostname || run.PID == os.Getpid() || processAlive(run.PID) {
			continue
		}
		if err := s.Finish(ctx, run.ID, Outcome{
			Status:           StatusInterrupted,
			TotalItems:       run.TotalItems,
			AlreadyCompleted: run.AlreadyCompleted,
			Duplicates:       run.Duplicates,
			Pending:          run.Pending,
			Err:              errors.New("process exited without finishing the run"),
		}); err != nil {
			return reconciled, err
		}
		reconciled++
	}
	return reconciled, nil
}
