// Package ledger records the outcome of every processed scan in a SQLite
// database kept next to the outputs, so that completed scans are not
// processed again by a later run.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the database file created in the output directory.
const FileName = "confreg.db"

// ErrNotFound is returned when a scan has no entry.
var ErrNotFound = errors.New("scan not found in ledger")

// Status is the outcome of a scan.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is the latest outcome recorded for a scan.
type Entry struct {
	Scan        string
	RunID       string
	Status      Status
	CleanedPath string
	Frames      int
	Error       string
	FinishedAt  time.Time

	// Fingerprint identifies the parameters and inputs the scan was
	// processed with.
	Fingerprint string
}

// Ledger is a handle on the database. It is safe for concurrent use.
type Ledger struct {
	db    *sql.DB
	path  string
	runID string
}

// Open opens or creates the ledger in dir. Every Open starts a new run id.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{db: db, path: path, runID: uuid.NewString()}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := l.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

func (l *Ledger) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		scan TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		cleaned_path TEXT,
		frames INTEGER,
		error TEXT,
		finished_at DATETIME NOT NULL,
		fingerprint TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scans_run ON scans(run_id);
	`
	ctx := context.Background()
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return l.addColumn(ctx, "fingerprint", "TEXT")
}

// addColumn adds column to ledgers created before it existed.
func (l *Ledger) addColumn(ctx context.Context, column, kind string) error {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('scans') WHERE name = ?", column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = l.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE scans ADD COLUMN %s %s", column, kind))
	return err
}

// Path returns the database file.
func (l *Ledger) Path() string { return l.path }

// RunID identifies the current run.
func (l *Ledger) RunID() string { return l.runID }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record stores e as the latest outcome of its scan, stamped with the
// current run id. A zero FinishedAt is set to now.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scans (scan, run_id, status, cleaned_path, frames, error, finished_at, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			cleaned_path = excluded.cleaned_path,
			frames = excluded.frames,
			error = excluded.error,
			finished_at = excluded.finished_at,
			fingerprint = excluded.fingerprint`,
		e.Scan, l.runID, string(e.Status), e.CleanedPath, e.Frames, e.Error, e.FinishedAt.UTC(), e.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to record scan %s: %w", e.Scan, err)
	}
	return nil
}

// Lookup returns the entry of scan, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, scan string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT scan, run_id, status, cleaned_path, frames, error, finished_at, fingerprint
		FROM scans WHERE scan = ?`, scan)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up scan %s: %w", scan, err)
	}
	return e, nil
}

// IsCompleted reports whether scan completed in an earlier run with the same
// fingerprint and its cleaned volume still exists.
func (l *Ledger) IsCompleted(ctx context.Context, scan, fingerprint string) (bool, error) {
	e, err := l.Lookup(ctx, scan)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status != StatusCompleted || e.CleanedPath == "" || e.Fingerprint != fingerprint {
		return false, nil
	}
	if _, err := os.Stat(e.CleanedPath); err != nil {
		return false, nil
	}
	return true, nil
}

// Entries returns every entry ordered by scan.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT scan, run_id, status, cleaned_path, frames, error, finished_at, fingerprint
		FROM scans ORDER BY scan`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e                  Entry
		status             string
		cleaned, errString sql.NullString
		fingerprint        sql.NullString
		frames             sql.NullInt64
	)
	if err := r.Scan(&e.Scan, &e.RunID, &status, &cleaned, &frames, &errString, &e.FinishedAt, &fingerprint); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.CleanedPath = cleaned.String
	e.Frames = int(frames.Int64)
	e.Error = errString.String
	e.Fingerprint = fingerprint.String
	return &e, nil
}
