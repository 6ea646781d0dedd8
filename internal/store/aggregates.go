package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

const dateLayout = "2006-01-02"

// UpsertHourly replaces the stored state of an hour bucket.
func (s *Store) UpsertHourly(ctx context.Context, h models.HourlyAggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	hour := h.Hour.UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hourly_aggregates (location, hour_bucket, sample_count, anomalies_count, finalized, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location, hour_bucket) DO UPDATE SET
			sample_count = excluded.sample_count,
			anomalies_count = excluded.anomalies_count,
			finalized = excluded.finalized,
			updated_at = excluded.updated_at
	`, h.Location, hour, h.SampleCount, h.AnomaliesCount, h.Finalized, h.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert hourly aggregate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_metrics WHERE location = ? AND hour_bucket = ?`, h.Location, hour); err != nil {
		return fmt.Errorf("clear hourly metrics: %w", err)
	}
	for sensor, m := range h.Metrics {
		if m.Count == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hourly_metrics (location, hour_bucket, sensor_type, count, sum, min, max)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, h.Location, hour, string(sensor), m.Count, m.Sum, m.Min, m.Max); err != nil {
			return fmt.Errorf("insert hourly metric %s: %w", sensor, err)
		}
	}

	return tx.Commit()
}

// GetHourly returns the hour bucket starting at hour, or nil if none exists.
func (s *Store) GetHourly(ctx context.Context, location string, hour time.Time) (*models.HourlyAggregate, error) {
	hours, err := s.queryHourly(ctx, `WHERE location = ? AND hour_bucket = ?`, location, hour.UTC())
	if err != nil {
		return nil, err
	}
	if len(hours) == 0 {
		return nil, nil
	}
	return &hours[0], nil
}

// GetHourlyRange returns hour buckets starting in [start, end), oldest first.
func (s *Store) GetHourlyRange(ctx context.Context, location string, start, end time.Time) ([]models.HourlyAggregate, error) {
	return s.queryHourly(ctx, `WHERE location = ? AND hour_bucket >= ? AND hour_bucket < ?`, location, start.UTC(), end.UTC())
}

// OpenHourlyBefore returns every unfinalized hour bucket starting before cutoff.
func (s *Store) OpenHourlyBefore(ctx context.Context, cutoff time.Time) ([]models.HourlyAggregate, error) {
	return s.queryHourly(ctx, `WHERE finalized = FALSE AND hour_bucket < ?`, cutoff.UTC())
}

func (s *Store) queryHourly(ctx context.Context, where string, args ...any) ([]models.HourlyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location, hour_bucket, sample_count, anomalies_count, finalized, updated_at
		FROM hourly_aggregates
		`+where+`
		ORDER BY hour_bucket ASC, location ASC
	`, args...)
	if err != nil {
		return nil, err
	}

	var hours []models.HourlyAggregate
	for rows.Next() {
		var h models.HourlyAggregate
		if err := rows.Scan(&h.Location, &h.Hour, &h.SampleCount, &h.AnomaliesCount, &h.Finalized, &h.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		h.Hour = h.Hour.UTC()
		h.UpdatedAt = h.UpdatedAt.UTC()
		h.Metrics = make(map[models.SensorType]models.MetricStats)
		hours = append(hours, h)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range hours {
		metrics, err := s.loadMetrics(ctx,
			`SELECT sensor_type, count, sum, min, max FROM hourly_metrics WHERE location = ? AND hour_bucket = ?`,
			hours[i].Location, hours[i].Hour)
		if err != nil {
			return nil, fmt.Errorf("load hourly metrics: %w", err)
		}
		hours[i].Metrics = metrics
	}
	return hours, nil
}

func (s *Store) loadMetrics(ctx context.Context, query string, args ...any) (map[models.SensorType]models.MetricStats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make(map[models.SensorType]models.MetricStats)
	for rows.Next() {
		var sensor string
		var m models.MetricStats
		if err := rows.Scan(&sensor, &m.Count, &m.Sum, &m.Min, &m.Max); err != nil {
			return nil, err
		}
		metrics[models.SensorType(sensor)] = m
	}
	return metrics, rows.Err()
}

// UpsertDaily replaces the stored state of a day bucket.
func (s *Store) UpsertDaily(ctx context.Context, d models.DailyAggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	date := d.Date.Format(dateLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (location, date, sample_count, anomalies_count, hours_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location, date) DO UPDATE SET
			sample_count = excluded.sample_count,
			anomalies_count = excluded.anomalies_count,
			hours_count = excluded.hours_count,
			updated_at = excluded.updated_at
	`, d.Location, date, d.SampleCount, d.AnomaliesCount, d.HoursCount, d.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE location = ? AND date = ?`, d.Location, date); err != nil {
		return fmt.Errorf("clear daily metrics: %w", err)
	}
	for sensor, m := range d.Metrics {
		if m.Count == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_metrics (location, date, sensor_type, count, sum, min, max)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, d.Location, date, string(sensor), m.Count, m.Sum, m.Min, m.Max); err != nil {
			return fmt.Errorf("insert daily metric %s: %w", sensor, err)
		}
	}

	return tx.Commit()
}

// GetDaily returns the stored day bucket, or nil if it was never materialized.
func (s *Store) GetDaily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error) {
	days, err := s.queryDaily(ctx, `WHERE location = ? AND date = ?`, location, date.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}
	return &days[0], nil
}

// GetDailyRange returns stored day buckets with dates in [start, end].
func (s *Store) GetDailyRange(ctx context.Context, location string, start, end time.Time) ([]models.DailyAggregate, error) {
	return s.queryDaily(ctx, `WHERE location = ? AND date >= ? AND date <= ?`,
		location, start.Format(dateLayout), end.Format(dateLayout))
}

func (s *Store) queryDaily(ctx context.Context, where string, args ...any) ([]models.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location, date, sample_count, anomalies_count, hours_count, updated_at
		FROM daily_aggregates
		`+where+`
		ORDER BY date ASC, location ASC
	`, args...)
	if err != nil {
		return nil, err
	}

	var days []models.DailyAggregate
	var dates []string
	for rows.Next() {
		var d models.DailyAggregate
		var date string
		var updatedAt sql.NullTime
		if err := rows.Scan(&d.Location, &date, &d.SampleCount, &d.AnomaliesCount, &d.HoursCount, &updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		d.Date = parsed
		d.UpdatedAt = updatedAt.Time.UTC()
		days = append(days, d)
		dates = append(dates, date)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range days {
		metrics, err := s.loadMetrics(ctx,
			`SELECT sensor_type, count, sum, min, max FROM daily_metrics WHERE location = ? AND date = ?`,
			days[i].Location, dates[i])
		if err != nil {
			return nil, fmt.Errorf("load daily metrics: %w", err)
		}
		days[i].Metrics = metrics
	}
	return days, nil
}
