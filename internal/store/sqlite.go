package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dcrange/dcrange/internal/models"
)

// SQLiteRepository keeps the job in a singleton row and appends a
// job_events row whenever the status or progress label changes.
//
// Example usage:
//
//	repo, err := store.OpenSQLite("/var/lib/dcrange/dcrange.db", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repo.Close()
type SQLiteRepository struct {
	Path   string
	DB     *sql.DB
	Sealer Sealer
	now    func() time.Time
}

var (
	_ JobRepository = (*SQLiteRepository)(nil)
	_ HistoryReader = (*SQLiteRepository)(nil)
)

// OpenSQLite connects to SQLite, applies pragmas, and runs migrations.
func OpenSQLite(path string, sealer Sealer) (*SQLiteRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerms); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &SQLiteRepository{Path: path, DB: conn, Sealer: sealer}, nil
}

// Close releases the underlying database connection.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Load(ctx context.Context) (*models.Job, error) {
	if r == nil || r.DB == nil {
		return nil, errors.New("db store is nil")
	}
	var doc []byte
	err := r.DB.QueryRowContext(ctx, `SELECT doc FROM current_job WHERE slot = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current job: %w", err)
	}
	plain, err := unseal(r.Sealer, doc)
	if err != nil {
		return nil, fmt.Errorf("open current job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(plain, &job); err != nil {
		return nil, fmt.Errorf("decode current job: %w", err)
	}
	return &job, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, job models.Job) error {
	if r == nil || r.DB == nil {
		return errors.New("db store is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode current job: %w", err)
	}
	data, err = seal(r.Sealer, data)
	if err != nil {
		return fmt.Errorf("seal current job: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevID, prevStatus string
	var prevProgress sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT job_id, status, progress FROM job_events ORDER BY id DESC LIMIT 1`).Scan(&prevID, &prevStatus, &prevProgress)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load last job event: %w", err)
	}

	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = r.clock()
	}
	ts := updated.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO current_job (slot, job_id, status, doc, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET job_id = excluded.job_id, status = excluded.status,
			doc = excluded.doc, updated_at = excluded.updated_at`,
		job.ID, string(job.Status), data, ts); err != nil {
		return fmt.Errorf("save current job: %w", err)
	}

	if prevID != job.ID || prevStatus != string(job.Status) || prevProgress.String != job.Progress {
		var code sql.NullString
		if job.Error != nil {
			code = sql.NullString{String: job.Error.Code, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO job_events (ts, job_id, status, progress, error_code) VALUES (?, ?, ?, ?, ?)`,
			ts, job.ID, string(job.Status), job.Progress, code); err != nil {
			return fmt.Errorf("record job event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save job: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if r == nil || r.DB == nil {
		return errors.New("db store is nil")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM current_job`); err != nil {
		return fmt.Errorf("clear current job: %w", err)
	}
	return nil
}

// History returns up to limit transitions, newest first.
func (r *SQLiteRepository) History(ctx context.Context, limit int) ([]Transition, error) {
	if r == nil || r.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ts, job_id, status, progress, error_code
		FROM job_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			ts       string
			status   string
			progress sql.NullString
			code     sql.NullString
		)
		if err := rows.Scan(&tr.ID, &ts, &tr.JobID, &status, &progress, &code); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			tr.At = parsed
		}
		tr.Status = models.JobStatus(status)
		tr.Progress = progress.String
		tr.ErrorCode = code.String
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
