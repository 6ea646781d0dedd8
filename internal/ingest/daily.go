package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/metrics"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/store"
)

const (
	DefaultRawRetention = 30 * 24 * time.Hour
	DefaultLogRetention = 90 * 24 * time.Hour
)

type Aggregates interface {
	FinalizeClosed(ctx context.Context, now time.Time) (int, error)
	RecomputeDaily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error)
	DayOf(t time.Time) time.Time
}

type MaintenanceStore interface {
	CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error)
	CleanupOldLogEntries(ctx context.Context, cutoff time.Time) (int64, error)
	GetLogHealth(ctx context.Context, since time.Time) ([]store.LogHealthSummary, error)
	GetRawPayloadStats(ctx context.Context) (*store.RawPayloadStats, error)
}

// HealthReport is what ReportHealth found. Raw is nil when the stats query
// failed.
type HealthReport struct {
	Steps []store.LogHealthSummary
	Raw   *store.RawPayloadStats
}

type MaintenanceConfig struct {
	Locations    []string
	RawRetention time.Duration
	LogRetention time.Duration
}

// Maintenance holds the periodic jobs that keep aggregates and retention
// tables in shape.
type Maintenance struct {
	aggregates Aggregates
	store      MaintenanceStore
	cfg        MaintenanceConfig
	logger     *slog.Logger
}

func NewMaintenance(aggregates Aggregates, st MaintenanceStore, cfg MaintenanceConfig, logger *slog.Logger) *Maintenance {
	if cfg.RawRetention <= 0 {
		cfg.RawRetention = DefaultRawRetention
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultLogRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		aggregates: aggregates,
		store:      st,
		cfg:        cfg,
		logger:     logger.With("component", "maintenance"),
	}
}

// RunAll finalizes closed hours, recomputes yesterday's daily aggregates,
// prunes old rows and logs a health summary. Every job runs even when an
// earlier one fails; the failures are returned together.
func (m *Maintenance) RunAll(ctx context.Context, now time.Time) error {
	var result *multierror.Error
	yesterday := m.aggregates.DayOf(now).AddDate(0, 0, -1)
	m.logger.Info("running daily jobs", "date", yesterday.Format(time.DateOnly))

	if err := m.FinalizeHours(ctx, now); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.RecomputeDay(ctx, yesterday); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.Prune(ctx, now); err != nil {
		result = multierror.Append(result, err)
	}
	m.ReportHealth(ctx, now)

	return result.ErrorOrNil()
}

func (m *Maintenance) FinalizeHours(ctx context.Context, now time.Time) error {
	n, err := m.aggregates.FinalizeClosed(ctx, now)
	if err != nil {
		m.logger.Error("finalize hours", "finalized", n, "error", err)
		return err
	}
	m.logger.Debug("finalize hours", "finalized", n)
	return nil
}

// RecomputeDay rebuilds the daily aggregate of date for every location.
// Days without readings are skipped.
func (m *Maintenance) RecomputeDay(ctx context.Context, date time.Time) error {
	var result *multierror.Error
	computed := 0
	for _, location := range m.cfg.Locations {
		_, err := m.aggregates.RecomputeDaily(ctx, location, date)
		switch {
		case err == nil:
			computed++
		case errors.Is(err, aggregate.ErrEmptyBucket):
		default:
			m.logger.Error("recompute daily", "location", location, "date", date.Format(time.DateOnly), "error", err)
			result = multierror.Append(result, err)
		}
	}
	m.logger.Info("recomputed daily aggregates", "date", date.Format(time.DateOnly), "computed", computed)
	return result.ErrorOrNil()
}

// Prune deletes raw payloads and processing log entries past retention.
func (m *Maintenance) Prune(ctx context.Context, now time.Time) error {
	var result *multierror.Error

	raw, err := m.store.CleanupOldRawPayloads(ctx, now.Add(-m.cfg.RawRetention))
	if err != nil {
		m.logger.Error("prune raw payloads", "error", err)
		result = multierror.Append(result, err)
	} else {
		metrics.RawPayloadsPruned.Add(float64(raw))
	}

	logs, err := m.store.CleanupOldLogEntries(ctx, now.Add(-m.cfg.LogRetention))
	if err != nil {
		m.logger.Error("prune processing logs", "error", err)
		result = multierror.Append(result, err)
	}

	m.logger.Info("pruned old rows", "raw_payloads", raw, "log_entries", logs)
	return result.ErrorOrNil()
}

// ReportHealth logs yesterday's and today's step outcomes, warning on any
// action that recorded errors, and the size of the raw payload archive.
func (m *Maintenance) ReportHealth(ctx context.Context, now time.Time) HealthReport {
	var report HealthReport

	summaries, err := m.store.GetLogHealth(ctx, now.Add(-48*time.Hour))
	if err != nil {
		m.logger.Error("log health", "error", err)
	}
	for _, h := range summaries {
		attrs := []any{
			"date", h.Date,
			"action", h.Action,
			"success", h.Success,
			"warnings", h.Warnings,
			"errors", h.Errors,
			"records", h.Records,
		}
		if h.Errors > 0 {
			m.logger.Warn("processing health", attrs...)
			continue
		}
		m.logger.Info("processing health", attrs...)
	}
	report.Steps = summaries

	raw, err := m.store.GetRawPayloadStats(ctx)
	if err != nil {
		m.logger.Error("raw payload stats", "error", err)
		return report
	}
	attrs := []any{"payloads", raw.TotalCount, "bytes", raw.TotalSizeBytes}
	if raw.TotalCount > 0 {
		attrs = append(attrs, "oldest", raw.OldestFetchedAt)
	}
	for source, n := range raw.CountBySource {
		attrs = append(attrs, "source_"+source, n)
	}
	m.logger.Info("raw payload storage", attrs...)
	report.Raw = raw
	return report
}
