// Package ingest schedules collection cycles, hour finalization and daily
// maintenance.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/airwatch-kyiv/airwatch/internal/pipeline"
)

const (
	DefaultInterval = 10 * time.Minute
	// Hours close with a grace period, so finalization runs past the top of the hour.
	DefaultFinalizeSpec    = "15 * * * *"
	DefaultMaintenanceSpec = "30 3 * * *"
)

type CycleRunner interface {
	RunCycle(ctx context.Context, location string) pipeline.CycleResult
	RunBackfill(ctx context.Context, location string, date time.Time) pipeline.CycleResult
}

type Config struct {
	Locations []string
	// Interval between collection cycles for every location.
	Interval time.Duration
	// MaxConcurrent bounds how many locations collect at once; 0 means all.
	MaxConcurrent   int
	FinalizeSpec    string
	MaintenanceSpec string
	// TZ is the zone cron expressions are evaluated in.
	TZ *time.Location
}

type Scheduler struct {
	runner      CycleRunner
	maintenance *Maintenance
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

func NewScheduler(runner CycleRunner, maintenance *Maintenance, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FinalizeSpec == "" {
		cfg.FinalizeSpec = DefaultFinalizeSpec
	}
	if cfg.MaintenanceSpec == "" {
		cfg.MaintenanceSpec = DefaultMaintenanceSpec
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:      runner,
		maintenance: maintenance,
		cfg:         cfg,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
	}
}

// Run collects once immediately, then on every interval until ctx is done.
// It waits for in-flight jobs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.cfg.TZ),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() { s.CollectAll(ctx) }); err != nil {
		return fmt.Errorf("schedule collection: %w", err)
	}
	if s.maintenance != nil {
		if _, err := c.AddFunc(s.cfg.FinalizeSpec, func() { s.maintenance.FinalizeHours(ctx, s.now()) }); err != nil {
			return fmt.Errorf("schedule finalization %q: %w", s.cfg.FinalizeSpec, err)
		}
		if _, err := c.AddFunc(s.cfg.MaintenanceSpec, func() { s.maintenance.RunAll(ctx, s.now()) }); err != nil {
			return fmt.Errorf("schedule maintenance %q: %w", s.cfg.MaintenanceSpec, err)
		}
	}

	s.logger.Info("scheduler starting",
		"locations", s.cfg.Locations,
		"interval", s.cfg.Interval,
		"finalize", s.cfg.FinalizeSpec,
		"maintenance", s.cfg.MaintenanceSpec)

	s.CollectAll(ctx)
	if s.maintenance != nil {
		s.maintenance.FinalizeHours(ctx, s.now())
	}

	c.Start()
	<-ctx.Done()
	s.logger.Info("scheduler shutting down")
	<-c.Stop().Done()
	return nil
}

// CollectAll runs one cycle per configured location concurrently and returns
// the results in location order.
func (s *Scheduler) CollectAll(ctx context.Context) []pipeline.CycleResult {
	results := make([]pipeline.CycleResult, len(s.cfg.Locations))

	var g errgroup.Group
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, location := range s.cfg.Locations {
		g.Go(func() error {
			results[i] = s.runner.RunCycle(ctx, location)
			return nil
		})
	}
	_ = g.Wait()

	var done, failed, skipped, readings int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Failed():
			failed++
		default:
			done++
		}
		readings += r.Readings
	}
	s.logger.Info("collection finished",
		"locations", len(results),
		"done", done,
		"failed", failed,
		"skipped", skipped,
		"readings", readings)
	return results
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
