package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/airwatch-kyiv/airwatch/internal/pipeline"
)

// Backfill runs a history cycle for every date in [from, to] and location,
// oldest date first so detector history builds forward in time.
func Backfill(ctx context.Context, runner CycleRunner, locations []string, from, to time.Time, logger *slog.Logger) ([]pipeline.CycleResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	from = dateOnly(from)
	to = dateOnly(to)
	if to.Before(from) {
		return nil, fmt.Errorf("backfill range ends %s before it starts %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	var (
		results []pipeline.CycleResult
		errs    *multierror.Error
	)
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		for _, location := range locations {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res := runner.RunBackfill(ctx, location, date)
			results = append(results, res)
			switch {
			case res.Skipped:
				logger.Warn("backfill skipped, cycle already running", "location", location, "date", date.Format(time.DateOnly))
			case res.Failed():
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", location, date.Format(time.DateOnly), res.Err))
			default:
				logger.Info("backfilled",
					"location", location,
					"date", date.Format(time.DateOnly),
					"readings", res.Readings,
					"duplicates", res.Duplicates,
					"anomalies", res.Anomalies)
			}
		}
	}
	return results, errs.ErrorOrNil()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
