// Package aggregate maintains hourly and daily rollups of sanitized readings.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/metrics"
	"github.com/airwatch-kyiv/airwatch/internal/models"
)

var (
	ErrEmptyBucket     = errors.New("empty bucket")
	ErrBucketFinalized = errors.New("bucket finalized")
	ErrNoValidFields   = errors.New("reading has no valid fields")

	// ErrDailyStale means the reading was folded into its hour but the day
	// could not be recomputed. Retrying Aggregate would count it twice.
	ErrDailyStale = errors.New("daily aggregate not recomputed")
)

// DefaultFinalizeGrace is how long an hour stays open after it ends, so that
// late provider snapshots still land in it.
const DefaultFinalizeGrace = 10 * time.Minute

type Store interface {
	GetHourly(ctx context.Context, location string, hour time.Time) (*models.HourlyAggregate, error)
	GetHourlyRange(ctx context.Context, location string, start, end time.Time) ([]models.HourlyAggregate, error)
	OpenHourlyBefore(ctx context.Context, cutoff time.Time) ([]models.HourlyAggregate, error)
	UpsertHourly(ctx context.Context, h models.HourlyAggregate) error
	GetDaily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error)
	UpsertDaily(ctx context.Context, d models.DailyAggregate) error
}

type Options struct {
	// Location is the time zone hour and day buckets are cut in. Defaults to UTC.
	Location      *time.Location
	FinalizeGrace time.Duration
	Logger        *slog.Logger
}

type Aggregator struct {
	store  Store
	loc    *time.Location
	grace  time.Duration
	locks  *bucketLocks
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, opts Options) *Aggregator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FinalizeGrace <= 0 {
		opts.FinalizeGrace = DefaultFinalizeGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:  store,
		loc:    opts.Location,
		grace:  opts.FinalizeGrace,
		locks:  newBucketLocks(),
		logger: opts.Logger.With("component", "aggregate"),
		now:    time.Now,
	}
}

// HourBucket returns the UTC instant of the local hour containing t.
func (a *Aggregator) HourBucket(t time.Time) time.Time {
	l := t.In(a.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), 0, 0, 0, a.loc).UTC()
}

// DayOf returns the local calendar date of t as midnight UTC.
func (a *Aggregator) DayOf(t time.Time) time.Time {
	l := t.In(a.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

// dayBounds returns the UTC instants of the local day's first and next-day hour.
func (a *Aggregator) dayBounds(date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, a.loc)
	end := time.Date(y, m, d+1, 0, 0, 0, 0, a.loc)
	return start.UTC(), end.UTC()
}

// Aggregate folds a sanitized reading into its hour bucket and refreshes the
// day the hour belongs to. anomalous marks a reading that produced at least
// one anomaly.
func (a *Aggregator) Aggregate(ctx context.Context, sanitized models.Reading, anomalous bool) (*models.HourlyAggregate, *models.DailyAggregate, error) {
	if !sanitized.HasValues() {
		return nil, nil, ErrNoValidFields
	}

	hourly, err := a.foldHour(ctx, sanitized, anomalous)
	if err != nil {
		return nil, nil, err
	}

	daily, err := a.RecomputeDaily(ctx, sanitized.Location, a.DayOf(sanitized.Timestamp))
	if err != nil {
		return hourly, nil, fmt.Errorf("%w: %w", ErrDailyStale, err)
	}
	return hourly, daily, nil
}

func (a *Aggregator) foldHour(ctx context.Context, r models.Reading, anomalous bool) (*models.HourlyAggregate, error) {
	hour := a.HourBucket(r.Timestamp)
	unlock := a.locks.lock(hourKey(r.Location, hour))
	defer unlock()

	current, err := a.store.GetHourly(ctx, r.Location, hour)
	if err != nil {
		return nil, fmt.Errorf("load hour %s: %w", hour.Format(time.RFC3339), err)
	}
	var h models.HourlyAggregate
	if current != nil {
		h = current.Clone()
	} else {
		h = models.HourlyAggregate{
			Location: r.Location,
			Hour:     hour,
			Metrics:  make(map[models.SensorType]models.MetricStats),
		}
	}
	if h.Finalized {
		return nil, fmt.Errorf("%w: %s %s", ErrBucketFinalized, r.Location, hour.Format(time.RFC3339))
	}

	FoldReading(&h, r, anomalous)
	h.UpdatedAt = a.now().UTC()

	if err := a.store.UpsertHourly(ctx, h); err != nil {
		return nil, fmt.Errorf("store hour %s: %w", hour.Format(time.RFC3339), err)
	}
	out := h.Clone()
	return &out, nil
}

// FoldReading adds the valid fields of r to h.
func FoldReading(h *models.HourlyAggregate, r models.Reading, anomalous bool) {
	if h.Metrics == nil {
		h.Metrics = make(map[models.SensorType]models.MetricStats)
	}
	for _, sensor := range models.SensorTypes {
		v := r.Value(sensor)
		if !v.Valid {
			continue
		}
		m := h.Metrics[sensor]
		m.Add(v.Float64)
		h.Metrics[sensor] = m
	}
	h.SampleCount++
	if anomalous {
		h.AnomaliesCount++
	}
}

// FoldDaily combines hour buckets into a day aggregate. The result depends
// only on the set of hours, not their order.
func FoldDaily(location string, date time.Time, hours []models.HourlyAggregate) (models.DailyAggregate, error) {
	sorted := make([]models.HourlyAggregate, 0, len(hours))
	for _, h := range hours {
		if h.SampleCount > 0 {
			sorted = append(sorted, h)
		}
	}
	if len(sorted) == 0 {
		return models.DailyAggregate{}, ErrEmptyBucket
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hour.Before(sorted[j].Hour) })

	d := models.DailyAggregate{
		Location: location,
		Date:     date,
		Metrics:  make(map[models.SensorType]models.MetricStats),
	}
	for _, h := range sorted {
		for _, sensor := range models.SensorTypes {
			hm, ok := h.Metrics[sensor]
			if !ok {
				continue
			}
			m := d.Metrics[sensor]
			m.Merge(hm)
			d.Metrics[sensor] = m
		}
		d.SampleCount += h.SampleCount
		d.AnomaliesCount += h.AnomaliesCount
		d.HoursCount++
	}
	return d, nil
}

// RecomputeDaily rebuilds a day from its stored hour buckets and stores it.
// Running it again over the same hours yields the same aggregate.
func (a *Aggregator) RecomputeDaily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error) {
	y, m, d := date.Date()
	date = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	unlock := a.locks.lock(dayKey(location, date))
	defer unlock()

	start, end := a.dayBounds(date)
	hours, err := a.store.GetHourlyRange(ctx, location, start, end)
	if err != nil {
		return nil, fmt.Errorf("load hours: %w", err)
	}

	daily, err := FoldDaily(location, date, hours)
	if err != nil {
		return nil, err
	}
	daily.UpdatedAt = a.now().UTC()

	if err := a.store.UpsertDaily(ctx, daily); err != nil {
		return nil, fmt.Errorf("store day %s: %w", date.Format(time.DateOnly), err)
	}
	return &daily, nil
}

// FinalizeClosed marks every open hour that ended at least the grace period
// before now as finalized and recomputes the affected days.
func (a *Aggregator) FinalizeClosed(ctx context.Context, now time.Time) (int, error) {
	open, err := a.store.OpenHourlyBefore(ctx, now.Add(-a.grace))
	if err != nil {
		return 0, fmt.Errorf("list open hours: %w", err)
	}

	type day struct {
		location string
		date     time.Time
	}
	days := make(map[string]day)
	finalized := 0

	for _, h := range open {
		if h.Hour.Add(time.Hour + a.grace).After(now) {
			continue
		}
		done, err := a.finalizeHour(ctx, h.Location, h.Hour)
		if err != nil {
			return finalized, err
		}
		if !done {
			continue
		}
		finalized++
		metrics.HoursFinalized.WithLabelValues(h.Location).Inc()
		date := a.DayOf(h.Hour)
		days[dayKey(h.Location, date)] = day{h.Location, date}
	}

	for _, d := range days {
		if _, err := a.RecomputeDaily(ctx, d.location, d.date); err != nil && !errors.Is(err, ErrEmptyBucket) {
			return finalized, fmt.Errorf("recompute %s %s: %w", d.location, d.date.Format(time.DateOnly), err)
		}
	}

	if finalized > 0 {
		a.logger.Info("finalized hours", "count", finalized, "days", len(days))
	}
	return finalized, nil
}

func (a *Aggregator) finalizeHour(ctx context.Context, location string, hour time.Time) (bool, error) {
	unlock := a.locks.lock(hourKey(location, hour))
	defer unlock()

	h, err := a.store.GetHourly(ctx, location, hour)
	if err != nil {
		return false, fmt.Errorf("load hour %s: %w", hour.Format(time.RFC3339), err)
	}
	if h == nil || h.Finalized {
		return false, nil
	}
	h.Finalized = true
	h.UpdatedAt = a.now().UTC()
	if err := a.store.UpsertHourly(ctx, *h); err != nil {
		return false, fmt.Errorf("finalize hour %s: %w", hour.Format(time.RFC3339), err)
	}
	return true, nil
}

// Hourly returns the bucket containing t, or ErrEmptyBucket.
func (a *Aggregator) Hourly(ctx context.Context, location string, t time.Time) (*models.HourlyAggregate, error) {
	h, err := a.store.GetHourly(ctx, location, a.HourBucket(t))
	if err != nil {
		return nil, err
	}
	if h == nil || h.SampleCount == 0 {
		return nil, ErrEmptyBucket
	}
	return h, nil
}

// Daily returns the day aggregate, materializing it from hour buckets when it
// was never stored. Days without readings return ErrEmptyBucket.
func (a *Aggregator) Daily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error) {
	d, err := a.store.GetDaily(ctx, location, date)
	if err != nil {
		return nil, err
	}
	if d != nil && d.SampleCount > 0 {
		return d, nil
	}
	return a.RecomputeDaily(ctx, location, date)
}
