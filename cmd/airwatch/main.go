package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/anomaly"
	"github.com/airwatch-kyiv/airwatch/internal/api"
	"github.com/airwatch-kyiv/airwatch/internal/ingest"
	"github.com/airwatch-kyiv/airwatch/internal/logging"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/pipeline"
	"github.com/airwatch-kyiv/airwatch/internal/provider"
	"github.com/airwatch-kyiv/airwatch/internal/store"
)

var version = "dev"

type Globals struct {
	DB        string   `help:"Path to SQLite database." default:"data/airwatch.db" env:"AIRWATCH_DB" type:"path"`
	LogLevel  string   `help:"Log level (debug, info, warn, error)." default:"info" env:"AIRWATCH_LOG_LEVEL"`
	LogFormat string   `help:"Log format." enum:"text,json" default:"text" env:"AIRWATCH_LOG_FORMAT"`
	Locations []string `help:"Locations to collect." default:"Kyiv" env:"AIRWATCH_LOCATIONS" sep:","`
	TZ        string   `help:"Time zone for hour and day buckets." default:"Europe/Kyiv" env:"AIRWATCH_TZ"`

	APIKey       string        `help:"WeatherAPI.com key." env:"WEATHER_API_KEY"`
	APIBaseURL   string        `help:"WeatherAPI.com base URL." default:"${weatherapi_url}" env:"AIRWATCH_API_BASE_URL"`
	FetchTimeout time.Duration `help:"Timeout for one fetch including retries." default:"20s" env:"AIRWATCH_FETCH_TIMEOUT"`

	WindowSize    int     `help:"Accepted values kept per location and sensor." default:"30" env:"AIRWATCH_WINDOW_SIZE"`
	MinSamples    int     `help:"History length before statistical checks run." default:"5" env:"AIRWATCH_MIN_SAMPLES"`
	SoftThreshold float64 `help:"Z-score above which a value is flagged." default:"3" env:"AIRWATCH_SOFT_THRESHOLD"`
	HardThreshold float64 `help:"Z-score above which a value is filtered." default:"6" env:"AIRWATCH_HARD_THRESHOLD"`

	ConfidenceScale float64            `help:"Z-score at which statistical confidence reaches 1." default:"5" env:"AIRWATCH_CONFIDENCE_SCALE"`
	RapidChange     map[string]float64 `help:"Per-hour rapid change thresholds by sensor, overriding the defaults (e.g. temperature=8;pressure=12)." env:"AIRWATCH_RAPID_CHANGE"`

	MaxPersistRetries int           `help:"Retries for a failed reading write." default:"3" env:"AIRWATCH_MAX_PERSIST_RETRIES"`
	FinalizeGrace     time.Duration `help:"Wait after an hour closes before it is finalized." default:"10m" env:"AIRWATCH_FINALIZE_GRACE"`
	KeepRawPayloads   bool          `help:"Store raw provider responses." default:"true" env:"AIRWATCH_KEEP_RAW_PAYLOADS" negatable:""`
}

type CLI struct {
	Globals

	Serve          ServeCmd          `cmd:"" default:"withargs" help:"Collect on a schedule and serve the HTTP API."`
	Collect        CollectCmd        `cmd:"" help:"Run one collection cycle per location and exit."`
	Backfill       BackfillCmd       `cmd:"" help:"Ingest hourly history for past dates."`
	RecomputeDaily RecomputeDailyCmd `cmd:"" help:"Rebuild daily aggregates from stored hours."`
	Migrate        MigrateCmd        `cmd:"" help:"Apply database migrations and exit."`
	Version        kong.VersionFlag  `help:"Print version and exit."`
}

// app holds the wired components shared by every command.
type app struct {
	logger     *slog.Logger
	db         *sql.DB
	store      *store.Store
	loc        *time.Location
	aggregator *aggregate.Aggregator
	pipeline   *pipeline.Orchestrator
}

func (g *Globals) logger() (*slog.Logger, error) {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(os.Stderr, g.LogFormat, level, version), nil
}

func (g *Globals) detectorConfig() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	cfg.WindowSize = g.WindowSize
	cfg.MinSamples = g.MinSamples
	cfg.SoftThreshold = g.SoftThreshold
	cfg.HardThreshold = g.HardThreshold
	cfg.ConfidenceScale = g.ConfidenceScale
	for sensor, threshold := range g.RapidChange {
		cfg.RapidChange[models.SensorType(sensor)] = threshold
	}
	return cfg
}

// open connects and migrates the store. When withPipeline is set it also
// builds the collection pipeline, which needs an API key.
func (g *Globals) open(ctx context.Context, withPipeline bool) (*app, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	loc, err := time.LoadLocation(g.TZ)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", g.TZ, err)
	}

	if err := os.MkdirAll(filepath.Dir(g.DB), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := store.Open(ctx, g.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{
		logger: logger,
		db:     db,
		store:  st,
		loc:    loc,
		aggregator: aggregate.New(st, aggregate.Options{
			Location:      loc,
			FinalizeGrace: g.FinalizeGrace,
			Logger:        logger,
		}),
	}
	if !withPipeline {
		return a, nil
	}

	if g.APIKey == "" {
		db.Close()
		return nil, errors.New("WEATHER_API_KEY is required")
	}
	detector, err := anomaly.New(g.detectorConfig())
	if err != nil {
		db.Close()
		return nil, err
	}
	client := provider.New(g.APIKey, provider.Options{BaseURL: g.APIBaseURL, MaxElapsed: g.FetchTimeout})
	a.pipeline = pipeline.New(client, detector, a.aggregator, st, pipeline.Config{
		FetchTimeout:      g.FetchTimeout,
		MaxPersistRetries: g.MaxPersistRetries,
		KeepRawPayloads:   g.KeepRawPayloads,
	}, logger)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

type ServeCmd struct {
	Addr            string        `help:"HTTP listen address." default:":8080" env:"AIRWATCH_ADDR"`
	Interval        time.Duration `help:"Collection interval." default:"10m" env:"AIRWATCH_INTERVAL"`
	NoPoll          bool          `help:"Serve the API without scheduled collection."`
	MaxConcurrent   int           `help:"Locations collected at once (0 for all)." default:"0" env:"AIRWATCH_MAX_CONCURRENT"`
	RawRetention    time.Duration `help:"How long raw payloads are kept." default:"720h" env:"AIRWATCH_RAW_RETENTION"`
	LogRetention    time.Duration `help:"How long processing log entries are kept." default:"2160h" env:"AIRWATCH_LOG_RETENTION"`
	MaintenanceCron string        `help:"Cron spec for daily maintenance." default:"30 3 * * *" env:"AIRWATCH_MAINTENANCE_CRON"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	maintenance := ingest.NewMaintenance(a.aggregator, a.store, ingest.MaintenanceConfig{
		Locations:    g.Locations,
		RawRetention: c.RawRetention,
		LogRetention: c.LogRetention,
	}, a.logger)
	scheduler := ingest.NewScheduler(a.pipeline, maintenance, ingest.Config{
		Locations:       g.Locations,
		Interval:        c.Interval,
		MaxConcurrent:   c.MaxConcurrent,
		MaintenanceSpec: c.MaintenanceCron,
		TZ:              a.loc,
	}, a.logger)
	server := api.NewServer(a.store, a.aggregator, a.pipeline, api.Options{
		Addr:       c.Addr,
		Locations:  g.Locations,
		StaleAfter: 3 * c.Interval,
		Logger:     a.logger,
	})

	group, gctx := errgroup.WithContext(ctx)
	if c.NoPoll {
		a.logger.Info("polling disabled (--no-poll)")
	} else {
		group.Go(func() error { return scheduler.Run(gctx) })
	}
	group.Go(func() error { return server.Run(gctx) })
	return group.Wait()
}

type CollectCmd struct{}

func (c *CollectCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := ingest.NewScheduler(a.pipeline, nil, ingest.Config{Locations: g.Locations}, a.logger)
	var failed int
	for _, res := range scheduler.CollectAll(ctx) {
		if res.Failed() {
			failed++
		}
	}
	if _, err := a.aggregator.FinalizeClosed(ctx, time.Now()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed", failed, len(g.Locations))
	}
	return nil
}

type BackfillCmd struct {
	Date string `help:"First date to backfill (YYYY-MM-DD)." required:""`
	To   string `help:"Last date to backfill (YYYY-MM-DD); defaults to --date."`
}

func (c *BackfillCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	from, err := time.Parse(time.DateOnly, c.Date)
	if err != nil {
		return fmt.Errorf("invalid --date: %w", err)
	}
	to := from
	if c.To != "" {
		if to, err = time.Parse(time.DateOnly, c.To); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := ingest.Backfill(ctx, a.pipeline, g.Locations, from, to, a.logger); err != nil {
		return err
	}
	_, err = a.aggregator.FinalizeClosed(ctx, time.Now())
	return err
}

type RecomputeDailyCmd struct {
	Date string `help:"Date to recompute (YYYY-MM-DD); defaults to yesterday."`
}

func (c *RecomputeDailyCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	date := a.aggregator.DayOf(time.Now()).AddDate(0, 0, -1)
	if c.Date != "" {
		if date, err = time.Parse(time.DateOnly, c.Date); err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
	}

	maintenance := ingest.NewMaintenance(a.aggregator, a.store, ingest.MaintenanceConfig{Locations: g.Locations}, a.logger)
	return maintenance.RecomputeDay(ctx, date)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("database migrated", "version", v)
	return nil
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli, options()...)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name("airwatch"),
		kong.Description("Weather and air-quality ingest pipeline."),
		kong.UsageOnError(),
		kong.Vars{
			"version":        version,
			"weatherapi_url": provider.DefaultBaseURL,
		},
	}
}
