package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a local SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLitePath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	stmts, err := migrations("sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	slog.Info("ledger: sqlite ready", slog.String("path", path))
	return &SQLite{db: db}, nil
}

func (s *SQLite) StartRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, window_start, window_end, dry_run, status, counts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, formatTime(r.StartedAt), formatTime(r.WindowStart), nullTime(r.WindowEnd), r.DryRun, r.Status, countsOrEmpty(r.Counts))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (s *SQLite) FinishRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, stage = ?, message = ?, counts = ? WHERE id = ?`,
		formatTime(r.FinishedAt), r.Status, r.Stage, r.Message, countsOrEmpty(r.Counts), r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *SQLite) Processed(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for start := 0; start < len(ids); start += 500 {
		chunk := ids[start:min(start+500, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `SELECT application_id FROM processed_applications WHERE application_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("query processed: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) MarkProcessed(ctx context.Context, runID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO processed_applications (application_id, run_id, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(application_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, runID, now); err != nil {
			return fmt.Errorf("mark %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) LastSuccessful(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE status = ? AND dry_run = 0 ORDER BY started_at DESC LIMIT 1`, StatusSucceeded)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const selectRuns = `SELECT id, started_at, finished_at, window_start, window_end, dry_run, status, stage, message, counts FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(sc scanner) (Run, error) {
	var (
		r                    Run
		started, windowStart string
		finished, windowEnd  sql.NullString
		counts               string
	)
	if err := sc.Scan(&r.ID, &started, &finished, &windowStart, &windowEnd, &r.DryRun, &r.Status, &r.Stage, &r.Message, &counts); err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(started)
	r.WindowStart = parseTime(windowStart)
	if finished.Valid {
		r.FinishedAt = parseTime(finished.String)
	}
	if windowEnd.Valid {
		r.WindowEnd = parseTime(windowEnd.String)
	}
	r.Counts = []byte(counts)
	return r, nil
}

// timeLayout has fixed width so stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
