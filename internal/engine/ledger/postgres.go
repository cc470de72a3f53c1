package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse LEDGER_DSN: %w", err)
	}
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	stmts, err := migrations("postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	slog.Info("ledger: postgres connected", slog.String("addr", config.ConnConfig.Host))
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) StartRun(ctx context.Context, r Run) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at, window_start, window_end, dry_run, status, counts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.StartedAt, r.WindowStart, pgTime(r.WindowEnd), r.DryRun, r.Status, countsOrEmpty(r.Counts))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (p *Postgres) FinishRun(ctx context.Context, r Run) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE runs SET finished_at = $1, status = $2, stage = $3, message = $4, counts = $5 WHERE id = $6`,
		r.FinishedAt, r.Status, r.Stage, r.Message, countsOrEmpty(r.Counts), r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (p *Postgres) Processed(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT application_id FROM processed_applications WHERE application_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (p *Postgres) MarkProcessed(ctx context.Context, runID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`INSERT INTO processed_applications (application_id, run_id) VALUES ($1, $2)
			ON CONFLICT (application_id) DO NOTHING`, id, runID)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (p *Postgres) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := p.pool.Query(ctx, selectRuns+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) LastSuccessful(ctx context.Context) (*Run, error) {
	row := p.pool.QueryRow(ctx, selectRuns+` WHERE status = $1 AND NOT dry_run ORDER BY started_at DESC LIMIT 1`, StatusSucceeded)
	r, err := scanPGRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPGRun(row pgx.Row) (Run, error) {
	var (
		r                   Run
		finished, windowEnd *time.Time
		counts              []byte
	)
	if err := row.Scan(&r.ID, &r.StartedAt, &finished, &r.WindowStart, &windowEnd, &r.DryRun, &r.Status, &r.Stage, &r.Message, &counts); err != nil {
		return Run{}, err
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	if windowEnd != nil {
		r.WindowEnd = *windowEnd
	}
	r.Counts = counts
	return r, nil
}

func pgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
