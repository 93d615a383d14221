package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	l := openTest(t, dir)
	assert.Equal(t, filepath.Join(dir, FileName), l.Path())
	assert.FileExists(t, l.Path())
	assert.NotEmpty(t, l.RunID())
}

func TestRecordAndLookup(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, t.TempDir())

	_, err := l.Lookup(ctx, "sub-01_run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	require.NoError(t, l.Record(ctx, Entry{
		Scan:       "sub-01_run-1",
		Status:     StatusFailed,
		Error:      "boom",
		FinishedAt: now,
	}))
	require.NoError(t, l.Record(ctx, Entry{
		Scan:        "sub-01_run-1",
		Status:      StatusCompleted,
		CleanedPath: "/out/sub-01_run-1_cleaned.nii.gz",
		Frames:      40,
	}))

	e, err := l.Lookup(ctx, "sub-01_run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 40, e.Frames)
	assert.Empty(t, e.Error)
	assert.Equal(t, l.RunID(), e.RunID)
	assert.WithinDuration(t, now, e.FinishedAt, time.Minute)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIsCompleted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTest(t, dir)

	cleaned := filepath.Join(dir, "sub-01_run-1_cleaned.nii.gz")
	require.NoError(t, l.Record(ctx, Entry{Scan: "sub-01_run-1", Status: StatusCompleted, CleanedPath: cleaned, Fingerprint: "abc"}))
	require.NoError(t, l.Record(ctx, Entry{Scan: "sub-02_run-1", Status: StatusFailed, Fingerprint: "abc"}))

	done, err := l.IsCompleted(ctx, "sub-01_run-1", "abc")
	require.NoError(t, err)
	assert.False(t, done, "output is missing")

	require.NoError(t, os.WriteFile(cleaned, []byte("x"), 0644))
	done, err = l.IsCompleted(ctx, "sub-01_run-1", "abc")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.IsCompleted(ctx, "sub-01_run-1", "def")
	require.NoError(t, err)
	assert.False(t, done, "processed with other parameters")

	done, err = l.IsCompleted(ctx, "sub-02_run-1", "abc")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = l.IsCompleted(ctx, "sub-03_run-1", "abc")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestOpenUpgradesLedgerWithoutFingerprint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName)+"?mode=rwc")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE scans (
			scan TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			cleaned_path TEXT,
			frames INTEGER,
			error TEXT,
			finished_at DATETIME NOT NULL
		)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO scans (scan, run_id, status, cleaned_path, frames, finished_at)
		VALUES ('sub-01_run-1', 'old', 'completed', '/out/a.nii.gz', 10, ?)`, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l := openTest(t, dir)
	e, err := l.Lookup(ctx, "sub-01_run-1")
	require.NoError(t, err)
	assert.Empty(t, e.Fingerprint)

	require.NoError(t, l.Record(ctx, Entry{Scan: "sub-01_run-1", Status: StatusCompleted, Fingerprint: "abc"}))
	e, err = l.Lookup(ctx, "sub-01_run-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", e.Fingerprint)
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, Entry{Scan: "sub-01_run-1", Status: StatusCompleted}))
	require.NoError(t, first.Close())

	second := openTest(t, dir)
	assert.NotEqual(t, first.RunID(), second.RunID())
	e, err := second.Lookup(ctx, "sub-01_run-1")
	require.NoError(t, err)
	assert.Equal(t, first.RunID(), e.RunID)
}

func TestConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, t.TempDir())

	scans := []string{"sub-01_run-1", "sub-02_run-1", "sub-03_run-1", "sub-04_run-1"}
	var wg sync.WaitGroup
	for _, s := range scans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, Entry{Scan: s, Status: StatusCompleted}))
		}()
	}
	wg.Wait()

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, len(scans))
	for i, e := range entries {
		assert.Equal(t, scans[i], e.Scan)
	}
}
