// Package trendserver exposes the role-trends pipeline as MCP tools and runs
// it on a cron schedule.
package trendserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
	"github.com/anatolykoptev/go_roletrends/internal/engine/ledger"
	"github.com/anatolykoptev/go_roletrends/internal/pipeline"
	"github.com/anatolykoptev/go_roletrends/internal/toolutil"
)

// ErrNoLedger is returned by history queries when no ledger is configured.
var ErrNoLedger = errors.New("run history requires LEDGER_DSN")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Service binds a Runner to the optional run ledger.
type Service struct {
	runner Runner
	store  ledger.Store
	now    func() time.Time
}

// NewService returns a Service. store may be nil.
func NewService(runner Runner, store ledger.Store) *Service {
	return &Service{runner: runner, store: store, now: time.Now}
}

// RunInput is the role_trends_run tool input.
type RunInput struct {
	CreatedAfter  string `json:"created_after,omitempty" jsonschema:"Start of the application window: RFC 3339, YYYY-MM-DD, or a lookback like 24h / 7d. Defaults to the last successful run, or 24h ago"`
	CreatedBefore string `json:"created_before,omitempty" jsonschema:"Optional end of the application window, same formats as created_after"`
	DryRun        bool   `json:"dry_run,omitempty" jsonschema:"Run every stage but do not append to the spreadsheet; returns a preview of the rows"`
}

// RunsInput is the role_trends_runs tool input.
type RunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Number of runs to return, newest first (default 10, max 100)"`
}

// RunSummary is one ledger entry as returned to tool callers.
type RunSummary struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Stage       string         `json:"stage,omitempty"`
	Message     string         `json:"message,omitempty"`
	DryRun      bool           `json:"dry_run"`
	StartedAt   string         `json:"started_at"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end,omitempty"`
	Counts      map[string]any `json:"counts,omitempty"`
}

// RunsOutput is the role_trends_runs tool output.
type RunsOutput struct {
	Runs []RunSummary `json:"runs"`
}

// Window resolves the application window for a run. An empty after starts
// at the last successful run, or 24h ago.
func (s *Service) Window(ctx context.Context, after, before string) (harvest.Window, error) {
	now := s.now()
	if after != "" {
		return toolutil.ParseWindow(after, before, now)
	}
	var last time.Time
	if s.store != nil {
		run, err := s.store.LastSuccessful(ctx)
		if err != nil {
			return harvest.Window{}, fmt.Errorf("last successful run: %w", err)
		}
		if run != nil {
			last = run.StartedAt
		}
	}
	w := toolutil.WindowSince(last, now)
	if before != "" {
		b, err := toolutil.ParseTime(before, now)
		if err != nil {
			return harvest.Window{}, fmt.Errorf("created_before: %w", err)
		}
		if !b.After(w.CreatedAfter) {
			return harvest.Window{}, fmt.Errorf("created_before %s is not after %s", b.Format(time.RFC3339), w.CreatedAfter.Format(time.RFC3339))
		}
		w.CreatedBefore = b
	}
	return w, nil
}

// Run resolves the window and executes the pipeline.
func (s *Service) Run(ctx context.Context, in RunInput) (pipeline.Result, error) {
	w, err := s.Window(ctx, in.CreatedAfter, in.CreatedBefore)
	if err != nil {
		return pipeline.Result{}, err
	}
	return s.runner.Run(ctx, pipeline.Request{Window: w, DryRun: in.DryRun}), nil
}

// Runs lists recent runs from the ledger.
func (s *Service) Runs(ctx context.Context, in RunsInput) (RunsOutput, error) {
	if s.store == nil {
		return RunsOutput{}, ErrNoLedger
	}
	runs, err := s.store.RecentRuns(ctx, toolutil.NormLimit(in.Limit, 10, 100))
	if err != nil {
		return RunsOutput{}, err
	}
	out := RunsOutput{Runs: make([]RunSummary, 0, len(runs))}
	for _, r := range runs {
		out.Runs = append(out.Runs, summarize(r))
	}
	return out, nil
}

func summarize(r ledger.Run) RunSummary {
	s := RunSummary{
		ID:          r.ID,
		Status:      r.Status,
		Stage:       r.Stage,
		Message:     r.Message,
		DryRun:      r.DryRun,
		StartedAt:   formatTime(r.StartedAt),
		FinishedAt:  formatTime(r.FinishedAt),
		WindowStart: formatTime(r.WindowStart),
		WindowEnd:   formatTime(r.WindowEnd),
	}
	if len(r.Counts) > 0 {
		_ = json.Unmarshal(r.Counts, &s.Counts)
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
