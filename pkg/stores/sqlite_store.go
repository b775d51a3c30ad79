package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are stored. It sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore records runs and checksums in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.path != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	dsn := s.path + "?_txlock=immediate&_pragma=" + strings.Join(pragmas, "&_pragma=")

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

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Migrate runs database migrations.
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

// SaveReport stores a run and replaces its step results. It is called when
// a run starts and again when it completes.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *engine.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, flavor, host, dry_run, status, started_at,
			completed_at, duration_ms, failed_step, failed_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			failed_step = excluded.failed_step,
			failed_kind = excluded.failed_kind,
			error = excluded.error
	`,
		r.RunID,
		r.PlanID,
		r.Flavor,
		r.Host,
		r.DryRun,
		string(r.Status),
		formatTime(r.StartedAt),
		nullTime(r.CompletedAt),
		r.Duration.Milliseconds(),
		nullString(r.FailedStep),
		nullString(string(r.FailedKind)),
		nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, r.RunID); err != nil {
		return fmt.Errorf("failed to clear step results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO step_results (run_id, step_index, step_id, kind, description,
			outcome, action, reason, attempts, started_at, duration_ms, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range r.Steps {
		_, err := stmt.ExecContext(ctx,
			r.RunID,
			st.Index,
			st.StepID,
			st.Kind,
			st.Description,
			string(st.Outcome),
			nullString(st.Action),
			nullString(st.Reason),
			st.Attempts,
			nullTime(st.StartedAt),
			st.Duration.Milliseconds(),
			nullString(string(st.ErrorKind)),
			nullString(st.Error),
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", st.StepID, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, plan_id, flavor, host, dry_run, status, started_at,
	completed_at, duration_ms, failed_step, failed_kind, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		rec                              RunRecord
		status, started                  string
		completed, step, kind, errString sql.NullString
		durationMS                       int64
	)
	err := row.Scan(&rec.ID, &rec.PlanID, &rec.Flavor, &rec.Host, &rec.DryRun, &status,
		&started, &completed, &durationMS, &step, &kind, &errString)
	if err != nil {
		return nil, err
	}
	rec.Status = engine.RunStatus(status)
	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		rec.CompletedAt = &t
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.FailedStep = step.String
	rec.FailedKind = failure.Kind(kind.String)
	rec.Error = errString.String
	return &rec, nil
}

// GetRun returns a stored run with its outcome summary.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if rec.Summary, err = s.summary(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetReport reassembles the full report of a stored run.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*engine.Report, error) {
	rec, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &engine.Report{
		RunID:      rec.ID,
		PlanID:     rec.PlanID,
		Flavor:     rec.Flavor,
		Host:       rec.Host,
		DryRun:     rec.DryRun,
		Status:     rec.Status,
		StartedAt:  rec.StartedAt,
		Duration:   rec.Duration,
		FailedStep: rec.FailedStep,
		FailedKind: rec.FailedKind,
		Error:      rec.Error,
	}
	if rec.CompletedAt != nil {
		r.CompletedAt = *rec.CompletedAt
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, step_id, kind, description, outcome, action, reason,
			attempts, started_at, duration_ms, error_kind, error
		FROM step_results
		WHERE run_id = ?
		ORDER BY step_index ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st                                         engine.StepResult
			outcome                                    string
			action, reason, started, kind, errorString sql.NullString
			durationMS                                 int64
		)
		err := rows.Scan(&st.Index, &st.StepID, &st.Kind, &st.Description, &outcome, &action, &reason,
			&st.Attempts, &started, &durationMS, &kind, &errorString)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		st.Outcome = engine.Outcome(outcome)
		st.Action = action.String
		st.Reason = reason.String
		if started.Valid {
			if st.StartedAt, err = parseTime(started.String); err != nil {
				return nil, err
			}
		}
		st.Duration = time.Duration(durationMS) * time.Millisecond
		st.ErrorKind = failure.Kind(kind.String)
		st.Error = errorString.String
		r.Steps = append(r.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return r, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]*RunRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Flavor != "" {
		where = append(where, "flavor = ?")
		args = append(args, f.Flavor)
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := []*RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	rows.Close()

	for _, rec := range runs {
		if rec.Summary, err = s.summary(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) summary(ctx context.Context, runID string) (engine.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM step_results WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("failed to summarize run: %w", err)
	}
	defer rows.Close()

	var sum engine.Summary
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return engine.Summary{}, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Total += n
		switch engine.Outcome(outcome) {
		case engine.OutcomeSatisfied:
			sum.Satisfied += n
		case engine.OutcomeApplied:
			sum.Applied += n
		case engine.OutcomeSkipped:
			sum.Skipped += n
		case engine.OutcomeFailed:
			sum.Failed += n
		case engine.OutcomeWouldApply:
			sum.WouldApply += n
		default:
			sum.Pending += n
		}
	}
	return sum, rows.Err()
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Recorded returns the hash recorded for key, or "" when none is.
func (s *SQLiteStore) Recorded(ctx context.Context, key string) (string, error) {
	var sum string
	err := s.db.QueryRowContext(ctx, `SELECT sha256 FROM checksums WHERE key = ?`, key).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checksum: %w", err)
	}
	return sum, nil
}

// Record stores the hash for key.
func (s *SQLiteStore) Record(ctx context.Context, key, sha256 string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checksums (key, sha256, recorded_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET sha256 = excluded.sha256, recorded_at = excluded.recorded_at
	`, key, sha256, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record checksum: %w", err)
	}
	return nil
}

// ListChecksums returns every recorded checksum ordered by key.
func (s *SQLiteStore) ListChecksums(ctx context.Context) ([]Checksum, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, sha256, recorded_at FROM checksums ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checksums: %w", err)
	}
	defer rows.Close()

	var out []Checksum
	for rows.Next() {
		var (
			c  Checksum
			at string
		)
		if err := rows.Scan(&c.Key, &c.SHA256, &at); err != nil {
			return nil, fmt.Errorf("failed to scan checksum: %w", err)
		}
		if c.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
