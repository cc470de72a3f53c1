// go_roletrends: pulls applications from Greenhouse, reads the attached
// resumes, summarizes each candidate with a language model, and appends the
// normalized rows to the Role Trends spreadsheet.
//
// Two entry points: `roletrends run` for a one-shot run over a window, and
// `roletrends serve` for the MCP server (role_trends_run, role_trends_runs)
// with an optional cron schedule.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/archive"
	"github.com/anatolykoptev/go_roletrends/internal/engine/enrich"
	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
	"github.com/anatolykoptev/go_roletrends/internal/engine/ledger"
	"github.com/anatolykoptev/go_roletrends/internal/engine/notify"
	"github.com/anatolykoptev/go_roletrends/internal/engine/resume"
	"github.com/anatolykoptev/go_roletrends/internal/engine/rows"
	"github.com/anatolykoptev/go_roletrends/internal/engine/sheets"
	"github.com/anatolykoptev/go_roletrends/internal/pipeline"
	"github.com/anatolykoptev/go_roletrends/internal/toolutil"
	"github.com/anatolykoptev/go_roletrends/internal/trendserver"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	setupLogging(env.Str("LOG_FORMAT", "text"), env.Str("LOG_LEVEL", "info"))

	cmd := &cli.Command{
		Name:    "roletrends",
		Usage:   "enrich tracker applications into Role Trends spreadsheet rows",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("roletrends failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the pipeline once over an application window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "created-after", Usage: "window start: RFC 3339, YYYY-MM-DD, or a lookback like 24h / 7d", Required: true},
			&cli.StringFlag{Name: "created-before", Usage: "optional window end, same formats"},
			&cli.BoolFlag{Name: "dry-run", Usage: "run every stage but skip the spreadsheet append"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dryRun := cmd.Bool("dry-run")
			w, err := toolutil.ParseWindow(cmd.String("created-after"), cmd.String("created-before"), time.Now())
			if err != nil {
				return err
			}
			cfg := loadConfig()
			if err := cfg.Validate(dryRun); err != nil {
				return err
			}
			a, err := build(ctx, cfg, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.pipeline.Run(ctx, pipeline.Request{Window: w, DryRun: dryRun})
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if res.Status != ledger.StatusSucceeded {
				return fmt.Errorf("run %s failed at stage %s: %s", res.RunID, res.Stage, res.Message)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the MCP tools and run the optional schedule",
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg := loadConfig()
			if err := cfg.Validate(false); err != nil {
				return err
			}
			a, err := build(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			svc := trendserver.NewService(a.pipeline, a.store)
			server := mcp.NewServer(&mcp.Implementation{
				Name:    "go_roletrends",
				Version: version,
			}, nil)
			trendserver.RegisterTools(server, svc)

			if cfg.ScheduleCron != "" {
				sched := trendserver.NewScheduler(svc, cfg.ScheduleCron)
				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("%w: SCHEDULE_CRON: %w", engine.ErrConfig, err)
				}
				defer sched.Stop()
			}

			port := env.Str("MCP_PORT", "8892")
			slog.Info("starting go_roletrends", slog.String("port", port), slog.String("version", version))
			return mcpserver.Run(server, mcpserver.Config{
				Name:         "go_roletrends",
				Version:      version,
				Port:         port,
				WriteTimeout: 30 * time.Minute,
				Metrics:      engine.FormatMetrics,
			})
		},
	}
}

func loadConfig() engine.Config {
	return engine.Config{
		TrackerBaseURL:  env.Str("GREENHOUSE_BASE_URL", harvest.DefaultBaseURL),
		TrackerAPIKey:   env.Str("GREENHOUSE_API_KEY", ""),
		FetchPageSize:   env.Int("FETCH_PAGE_SIZE", 100),
		FetchMaxRetries: env.Int("FETCH_MAX_RETRIES", 5),
		FetchBackoff:    env.Duration("FETCH_BACKOFF", time.Second),
		FetchTimeout:    env.Duration("FETCH_TIMEOUT", 30*time.Second),
		DownloadTimeout: env.Duration("DOWNLOAD_TIMEOUT", 10*time.Second),
		ExtractWorkers:  env.Int("EXTRACT_WORKERS", 4),
		MaxResumeBytes:  int64(env.Int("MAX_RESUME_BYTES", 20<<20)),
		ResumeMaxTokens: env.Int("RESUME_MAX_TOKENS", 6000),

		LLMProvider:        env.Str("LLM_PROVIDER", "compat"),
		LLMAPIKey:          env.Str("LLM_API_KEY", ""),
		LLMAPIKeyFallbacks: env.List("LLM_API_KEY_FALLBACKS", ""),
		LLMAPIBase:         env.Str("LLM_API_BASE", "https://api.openai.com/v1"),
		LLMModel:           env.Str("LLM_MODEL", "gpt-4o"),
		LLMTemperature:     env.Float("LLM_TEMPERATURE", 0.5),
		LLMMaxTokens:       env.Int("LLM_MAX_TOKENS", 2500),
		LLMTimeout:         env.Duration("LLM_TIMEOUT", 2*time.Minute),
		EnrichConcurrency:  env.Int("ENRICH_CONCURRENCY", 8),
		EnrichRPS:          env.Float("ENRICH_RPS", 0),
		EnrichMode:         env.Str("ENRICH_MODE", "direct"),
		BatchPollInterval:  env.Duration("BATCH_POLL_INTERVAL", 2*time.Second),
		PromptPath:         env.Str("PROMPT_PATH", "data/gpt_prompt.txt"),

		SpreadsheetID:        env.Str("SPREADSHEET_ID", ""),
		SheetTab:             env.Str("SHEET_TAB", sheets.DefaultTab),
		SheetsCredentialsB64: env.Str("GOOGLE_SHEETS_CREDENTIALS_BASE64", ""),

		RedisURL:         env.Str("REDIS_URL", ""),
		CacheTTL:         env.Duration("CACHE_TTL", 24*time.Hour),
		CacheMaxEntries:  env.Int("CACHE_MAX_ENTRIES", 1000),
		LedgerDSN:        env.Str("LEDGER_DSN", ""),
		ArchiveBucket:    env.Str("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  env.Str("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    env.Str("ARCHIVE_REGION", "auto"),
		ArchiveAccessKey: env.Str("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: env.Str("ARCHIVE_SECRET_KEY", ""),
		ArchivePublicURL: env.Str("ARCHIVE_PUBLIC_URL", ""),
		RabbitMQURL:      env.Str("RABBITMQ_URL", ""),
		ScheduleCron:     env.Str("SCHEDULE_CRON", ""),
	}
}

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	pipeline *pipeline.Pipeline
	store    ledger.Store
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("shutdown: close failed", slog.Any("error", err))
		}
	}
}

// build wires every component from cfg. Optional collaborators stay nil
// when their settings are empty. A dry run without sheet credentials gets
// no sink.
func build(ctx context.Context, cfg engine.Config, dryRun bool) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	cfg.TrackerHTTPClient = engine.NewHTTPClient(cfg.FetchTimeout)
	tracker := harvest.NewClient(cfg, cfg.TrackerHTTPClient)

	var archiver resume.Archiver
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if arch != nil {
		archiver = arch
	}
	extractor := resume.NewExtractor(resume.Options{
		HTTPClient:      engine.NewHTTPClient(cfg.DownloadTimeout),
		DownloadTimeout: cfg.DownloadTimeout,
		MaxBytes:        cfg.MaxResumeBytes,
		Workers:         cfg.ExtractWorkers,
		TrackerHost:     tracker.Host(),
		AuthHeader:      tracker.AuthHeader(),
		Archive:         archiver,
	})

	prompt, err := enrich.LoadPrompt(cfg.PromptPath)
	if err != nil {
		return fail(err)
	}
	cache := engine.NewCache(ctx, cfg.RedisURL, cfg.CacheTTL, cfg.CacheMaxEntries, 5*time.Minute)
	a.closers = append(a.closers, cache.Close)
	var enricher pipeline.Enricher
	if cfg.EnrichMode == "batch" {
		enricher = enrich.NewBatchClient(cfg, enrich.BatchOptions{
			SystemPrompt: prompt,
			Model:        cfg.LLMModel,
			Temperature:  cfg.LLMTemperature,
			MaxTokens:    cfg.LLMMaxTokens,
			PollInterval: cfg.BatchPollInterval,
			Cache:        cache,
			Budget:       enrich.NewBudget(cfg.ResumeMaxTokens),
		})
	} else {
		completer, err := enrich.NewCompleter(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		enricher = enrich.NewClient(enrich.Options{
			Completer:    completer,
			SystemPrompt: prompt,
			Concurrency:  cfg.EnrichConcurrency,
			RPS:          cfg.EnrichRPS,
			CallTimeout:  cfg.LLMTimeout,
			Cache:        cache,
			Budget:       enrich.NewBudget(cfg.ResumeMaxTokens),
		})
	}

	var sink pipeline.Sink
	if !dryRun || strings.TrimSpace(cfg.SheetsCredentialsB64) != "" {
		creds, err := cfg.SheetsCredentials()
		if err != nil {
			return fail(err)
		}
		s, err := sheets.New(ctx, creds, cfg.SpreadsheetID, cfg.SheetTab, len(rows.Columns))
		if err != nil {
			return fail(err)
		}
		sink = s
	}

	if cfg.LedgerDSN != "" {
		store, err := ledger.Open(ctx, cfg.LedgerDSN)
		if err != nil {
			return fail(err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	events := notify.New(cfg.RabbitMQURL)
	a.closers = append(a.closers, events.Close)

	a.pipeline = pipeline.New(pipeline.Deps{
		Fetcher:   tracker,
		Extractor: extractor,
		Enricher:  enricher,
		Sink:      sink,
		Ledger:    a.store,
		Events:    events,
	})
	slog.Info("pipeline ready",
		slog.String("provider", cfg.LLMProvider),
		slog.String("model", cfg.LLMModel),
		slog.String("enrich_mode", cfg.EnrichMode),
		slog.Bool("archive", archiver != nil),
		slog.Bool("ledger", a.store != nil),
		slog.Bool("dry_run", dryRun))
	return a, nil
}

func setupLogging(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
