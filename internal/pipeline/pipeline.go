// Package pipeline runs the five role-trends stages in order:
// fetch, extract and merge, enrich, validate and normalize, sink.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/candidate"
	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
	"github.com/anatolykoptev/go_roletrends/internal/engine/ledger"
	"github.com/anatolykoptev/go_roletrends/internal/engine/notify"
	"github.com/anatolykoptev/go_roletrends/internal/engine/resume"
	"github.com/anatolykoptev/go_roletrends/internal/engine/rows"
)

// Stage names, as reported in results, logs and events.
const (
	StageFetch    = "fetch"
	StageExtract  = "extract_merge"
	StageEnrich   = "enrich"
	StageValidate = "validate_normalize"
	StageSink     = "sink"
)

// ErrNoJobs is stage-fatal: applications exist but the job listing is empty.
var ErrNoJobs = errors.New("no jobs returned")

// Fetcher lists tracker records.
type Fetcher interface {
	Jobs(ctx context.Context) ([]harvest.Job, harvest.Stats, error)
	Applications(ctx context.Context, w harvest.Window) ([]harvest.Application, harvest.Stats, error)
}

// Extractor reads resume text for a batch of applications.
type Extractor interface {
	ExtractAll(ctx context.Context, apps []harvest.Application) ([]resume.Resume, []resume.Failure)
}

// Enricher asks the model for one structured summary per candidate.
type Enricher interface {
	EnrichAll(ctx context.Context, cands []candidate.Candidate) ([]*string, error)
}

// Sink receives the final ordered rows.
type Sink interface {
	Append(ctx context.Context, values [][]string) (string, error)
}

// StageError is the terminal failure of one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Request selects the application window and whether to write.
type Request struct {
	Window harvest.Window
	DryRun bool
}

// Counts tallies what happened to every item in a run.
type Counts struct {
	Jobs               int `json:"jobs"`
	Applications       int `json:"applications"`
	Skipped            int `json:"skipped"`
	MalformedItems     int `json:"malformed_items"`
	FetchRetries       int `json:"fetch_retries"`
	ResumesExtracted   int `json:"resumes_extracted"`
	ExtractFailures    int `json:"extract_failures"`
	DroppedNoJobs      int `json:"dropped_no_jobs"`
	DroppedUnmatched   int `json:"dropped_unmatched"`
	Candidates         int `json:"candidates"`
	EnrichFailures     int `json:"enrich_failures"`
	ValidationFailures int `json:"validation_failures"`
	Rows               int `json:"rows"`
}

// Result is the single aggregate outcome of a run.
type Result struct {
	RunID   string     `json:"run_id"`
	Status  string     `json:"status"`
	Stage   string     `json:"stage,omitempty"`
	Message string     `json:"message,omitempty"`
	DryRun  bool       `json:"dry_run"`
	After   string     `json:"created_after,omitempty"`
	Before  string     `json:"created_before,omitempty"`
	Range   string     `json:"range,omitempty"`
	Counts  Counts     `json:"counts"`
	Rows    [][]string `json:"rows,omitempty"`
	Elapsed string     `json:"elapsed"`
}

// Deps are the collaborators of a Pipeline. Ledger and Events are optional.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Enricher  Enricher
	Sink      Sink
	Ledger    ledger.Store
	Events    notify.Publisher
	// SlowStage is the duration after which a stage is logged as slow.
	SlowStage time.Duration
	// PreviewRows caps the rows returned in a dry-run Result.
	PreviewRows int
}

// Pipeline executes runs one at a time.
type Pipeline struct {
	d  Deps
	mu sync.Mutex
}

// New returns a Pipeline over d.
func New(d Deps) *Pipeline {
	if d.Events == nil {
		d.Events = notify.Noop{}
	}
	if d.SlowStage <= 0 {
		d.SlowStage = 5 * time.Minute
	}
	if d.PreviewRows <= 0 {
		d.PreviewRows = 20
	}
	return &Pipeline{d: d}
}

// run carries in-memory state between stages. Nothing is checkpointed.
type run struct {
	id     string
	req    Request
	counts Counts
	done   bool // nothing left to do; remaining stages are skipped

	jobs       []harvest.Job
	apps       []harvest.Application
	candidates []candidate.Candidate
	raws       []*string
	values     [][]string
	written    []int64 // application ids that produced rows
	updated    string
}

type stage struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

// Run executes all stages. Concurrent callers are serialized.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	r := &run{id: uuid.NewString(), req: req}
	log := slog.With(slog.String("run_id", r.id))
	engine.IncrRuns()

	res := Result{RunID: r.id, DryRun: req.DryRun, After: formatTime(req.Window.CreatedAfter), Before: formatTime(req.Window.CreatedBefore)}
	log.Info("run: started",
		slog.Time("created_after", req.Window.CreatedAfter),
		slog.Time("created_before", req.Window.CreatedBefore),
		slog.Bool("dry_run", req.DryRun))

	p.startLedger(ctx, r, start)
	p.d.Events.Publish(ctx, notify.Event{Type: notify.RunStarted, RunID: r.id, Data: map[string]any{"dry_run": req.DryRun}})

	stages := []stage{
		{StageFetch, p.fetch},
		{StageExtract, p.extractMerge},
		{StageEnrich, p.enrich},
		{StageValidate, p.validate},
		{StageSink, p.sink},
	}
	var failure *StageError
	for _, s := range stages {
		if r.done {
			break
		}
		if err := p.runStage(ctx, s, r); err != nil {
			failure = &StageError{Stage: s.name, Err: err}
			break
		}
		p.d.Events.Publish(ctx, notify.Event{Type: notify.RunStage, RunID: r.id, Stage: s.name, Data: countsMap(r.counts)})
	}

	res.Counts = r.counts
	res.Range = r.updated
	res.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if req.DryRun && len(r.values) > 0 {
		res.Rows = r.values[:min(len(r.values), p.d.PreviewRows)]
	}

	if failure != nil {
		engine.IncrRunFailures()
		res.Status = ledger.StatusFailed
		res.Stage = failure.Stage
		res.Message = failure.Err.Error()
		log.Error("run: failed", slog.String("stage", failure.Stage), slog.Any("error", failure.Err), slog.Any("counts", r.counts))
		p.d.Events.Publish(ctx, notify.Event{Type: notify.RunFailed, RunID: r.id, Stage: failure.Stage, Message: res.Message, Data: countsMap(r.counts)})
	} else {
		res.Status = ledger.StatusSucceeded
		log.Info("run: completed", slog.Int("rows", r.counts.Rows), slog.String("range", r.updated), slog.Any("counts", r.counts), slog.String("elapsed", res.Elapsed))
		p.d.Events.Publish(ctx, notify.Event{Type: notify.RunCompleted, RunID: r.id, Data: countsMap(r.counts)})
	}
	p.finishLedger(ctx, r, res)
	return res
}

// runStage converts a panic inside the stage into its error.
func (p *Pipeline) runStage(ctx context.Context, s stage, r *run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("run: stage panicked", slog.String("run_id", r.id), slog.String("stage", s.name),
				slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return engine.TrackOperation(ctx, "stage:"+s.name, p.d.SlowStage, func(ctx context.Context) error {
		return s.fn(ctx, r)
	})
}

func (p *Pipeline) fetch(ctx context.Context, r *run) error {
	apps, appStats, err := p.d.Fetcher.Applications(ctx, r.req.Window)
	if err != nil {
		return fmt.Errorf("applications: %w", err)
	}
	r.counts.Applications = len(apps)
	r.counts.MalformedItems += appStats.Malformed
	r.counts.FetchRetries += appStats.Retries
	if len(apps) == 0 {
		slog.Info("run: no applications in window", slog.String("run_id", r.id))
		r.done = true
		return nil
	}

	jobs, jobStats, err := p.d.Fetcher.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	r.counts.Jobs = len(jobs)
	r.counts.MalformedItems += jobStats.Malformed
	r.counts.FetchRetries += jobStats.Retries
	if len(jobs) == 0 {
		return ErrNoJobs
	}
	r.jobs = jobs

	if p.d.Ledger != nil {
		ids := make([]int64, len(apps))
		for i, a := range apps {
			ids[i] = a.ID
		}
		seen, err := p.d.Ledger.Processed(ctx, ids)
		if err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		fresh := apps[:0:0]
		for _, a := range apps {
			if !seen[a.ID] {
				fresh = append(fresh, a)
			}
		}
		r.counts.Skipped = len(apps) - len(fresh)
		apps = fresh
	}
	if len(apps) == 0 {
		slog.Info("run: every application already processed", slog.String("run_id", r.id), slog.Int("skipped", r.counts.Skipped))
		r.done = true
		return nil
	}
	r.apps = apps
	return nil
}

func (p *Pipeline) extractMerge(ctx context.Context, r *run) error {
	resumes, failures := p.d.Extractor.ExtractAll(ctx, r.apps)
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range failures {
		slog.Warn("extract: resume failed", slog.String("run_id", r.id),
			slog.Int64("application_id", f.ApplicationID), slog.String("filename", f.Filename), slog.Any("error", f.Err))
	}
	for _, res := range resumes {
		if res.Content != nil {
			r.counts.ResumesExtracted++
		}
	}
	r.counts.ExtractFailures = len(failures)

	cands, stats := candidate.Merge(r.jobs, r.apps, resumes)
	r.counts.DroppedNoJobs = stats.NoJobs
	r.counts.DroppedUnmatched = stats.Unmatched
	r.counts.Candidates = len(cands)
	r.candidates = cands
	if len(cands) == 0 {
		slog.Info("run: no candidates after merge", slog.String("run_id", r.id))
		r.done = true
	}
	return nil
}

func (p *Pipeline) enrich(ctx context.Context, r *run) error {
	raws, err := p.d.Enricher.EnrichAll(ctx, r.candidates)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		if raw == nil {
			r.counts.EnrichFailures++
		}
	}
	r.raws = raws
	return nil
}

func (p *Pipeline) validate(_ context.Context, r *run) error {
	records, failures := rows.Validate(r.raws)

	failed := make(map[int]bool, len(failures))
	for _, f := range failures {
		failed[f.Index] = true
		if errors.Is(f.Err, rows.ErrEmptyResponse) {
			continue
		}
		r.counts.ValidationFailures++
		engine.IncrValidationErrors()
		slog.Warn("validate: response rejected", slog.String("run_id", r.id),
			slog.Int64("application_id", r.candidates[f.Index].ID()),
			slog.String("raw", engine.Snippet(f.Raw, 200)), slog.Any("error", f.Err))
	}
	for i, c := range r.candidates {
		if !failed[i] {
			r.written = append(r.written, c.ID())
		}
	}

	r.values = rows.Values(rows.Normalize(records), rows.Columns)
	r.counts.Rows = len(r.values)
	return nil
}

func (p *Pipeline) sink(ctx context.Context, r *run) error {
	if len(r.values) == 0 {
		slog.Info("sink: nothing to write", slog.String("run_id", r.id))
		return nil
	}
	if r.req.DryRun {
		slog.Info("sink: dry run, append skipped", slog.String("run_id", r.id), slog.Int("rows", len(r.values)))
		return nil
	}
	updated, err := p.d.Sink.Append(ctx, r.values)
	if err != nil {
		return err
	}
	r.updated = updated

	if p.d.Ledger != nil {
		if err := p.d.Ledger.MarkProcessed(ctx, r.id, r.written); err != nil {
			slog.Warn("ledger: mark processed failed", slog.String("run_id", r.id), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Pipeline) startLedger(ctx context.Context, r *run, start time.Time) {
	if p.d.Ledger == nil {
		return
	}
	err := p.d.Ledger.StartRun(ctx, ledger.Run{
		ID:          r.id,
		StartedAt:   start.UTC(),
		WindowStart: r.req.Window.CreatedAfter.UTC(),
		WindowEnd:   r.req.Window.CreatedBefore.UTC(),
		DryRun:      r.req.DryRun,
		Status:      ledger.StatusRunning,
	})
	if err != nil {
		slog.Warn("ledger: start run failed", slog.String("run_id", r.id), slog.Any("error", err))
	}
}

func (p *Pipeline) finishLedger(ctx context.Context, r *run, res Result) {
	if p.d.Ledger == nil {
		return
	}
	counts, _ := json.Marshal(res.Counts)
	// The run context may already be canceled; the outcome is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := p.d.Ledger.FinishRun(ctx, ledger.Run{
		ID:         r.id,
		FinishedAt: time.Now().UTC(),
		Status:     res.Status,
		Stage:      res.Stage,
		Message:    res.Message,
		Counts:     counts,
	})
	if err != nil {
		slog.Warn("ledger: finish run failed", slog.String("run_id", r.id), slog.Any("error", err))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func countsMap(c Counts) map[string]any {
	b, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
