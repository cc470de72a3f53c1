// Package ledger records pipeline runs and the applications already written
// to the sheet, so later runs can skip them.
package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed schema
var schemaFS embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end,omitzero"`
	DryRun      bool            `json:"dry_run"`
	Status      string          `json:"status"`
	Stage       string          `json:"stage,omitempty"`
	Message     string          `json:"message,omitempty"`
	Counts      json.RawMessage `json:"counts,omitempty"`
}

// Store persists runs and processed application ids.
type Store interface {
	StartRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, r Run) error
	// Processed returns which of ids were already written by an earlier run.
	Processed(ctx context.Context, ids []int64) (map[int64]bool, error)
	MarkProcessed(ctx context.Context, runID string, ids []int64) error
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	// LastSuccessful returns nil when no non-dry run has succeeded yet.
	LastSuccessful(ctx context.Context) (*Run, error)
	Close() error
}

// Open picks the backend from dsn: postgres:// or postgresql:// URLs go to
// Postgres, anything else is a SQLite file path (optionally sqlite:// prefixed).
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// DefaultSQLitePath is ~/.go_roletrends/ledger.db.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".go_roletrends", "ledger.db")
}

// migrations returns the schema files for a backend in name order.
func migrations(backend string) ([]string, error) {
	dir := "schema/" + backend
	entries, err := fs.ReadDir(schemaFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(schemaFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func countsOrEmpty(c json.RawMessage) string {
	if len(c) == 0 {
		return "{}"
	}
	return string(c)
}
