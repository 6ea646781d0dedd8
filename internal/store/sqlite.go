package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Open opens the SQLite database at path. Pragmas go in the DSN so that every
// pooled connection gets them.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const readingColumns = `id, location, observed_at, temperature, humidity, air_quality_index, pm25, pm10, co2, pressure, wind_speed, wind_direction, uv_index, visibility, created_at`

func scanReading(row rowScanner) (models.Reading, error) {
	var r models.Reading
	err := row.Scan(&r.ID, &r.Location, &r.Timestamp, &r.Temperature, &r.Humidity, &r.AirQualityIndex,
		&r.PM25, &r.PM10, &r.CO2, &r.Pressure, &r.WindSpeed, &r.WindDirection, &r.UVIndex, &r.Visibility, &r.CreatedAt)
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

// SaveReading stores a reading and its anomalies in one transaction.
// A reading already stored for the same (location, timestamp) is left
// untouched: inserted is false and the existing id is returned.
func (s *Store) SaveReading(ctx context.Context, r models.Reading, anomalies []models.Anomaly) (id int64, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO readings (location, observed_at, temperature, humidity, air_quality_index, pm25, pm10, co2, pressure, wind_speed, wind_direction, uv_index, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location, observed_at) DO NOTHING
	`, r.Location, r.Timestamp.UTC(), r.Temperature, r.Humidity, r.AirQualityIndex, r.PM25, r.PM10, r.CO2,
		r.Pressure, r.WindSpeed, r.WindDirection, r.UVIndex, r.Visibility, createdAt.UTC())
	if err != nil {
		return 0, false, fmt.Errorf("insert reading: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		err = tx.QueryRowContext(ctx, `SELECT id FROM readings WHERE location = ? AND observed_at = ?`,
			r.Location, r.Timestamp.UTC()).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("lookup existing reading: %w", err)
		}
		return id, false, tx.Commit()
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	for _, a := range anomalies {
		anomalyCreated := a.CreatedAt
		if anomalyCreated.IsZero() {
			anomalyCreated = createdAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO anomalies (id, reading_id, location, observed_at, sensor_type, kind, original_value, filtered_value, reason, detail, status, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, id, r.Location, r.Timestamp.UTC(), string(a.SensorType), string(a.Kind), a.OriginalValue,
			a.FilteredValue, a.Reason, a.Detail, string(a.Status), a.Confidence, anomalyCreated.UTC())
		if err != nil {
			return 0, false, fmt.Errorf("insert anomaly %s/%s: %w", a.SensorType, a.Kind, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit reading: %w", err)
	}
	return id, true, nil
}

// RecentReadings returns up to limit of the newest readings for a location,
// oldest first.
func (s *Store) RecentReadings(ctx context.Context, location string, limit int) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE location = ?
		ORDER BY observed_at DESC
		LIMIT ?
	`, location, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, nil
}

// GetReadings returns readings in [start, end). An empty location matches all.
func (s *Store) GetReadings(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE (? = '' OR location = ?) AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC, location ASC
	`, location, location, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetAnomalies returns anomalies in [start, end). An empty location matches all.
func (s *Store) GetAnomalies(ctx context.Context, location string, start, end time.Time) ([]models.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reading_id, location, observed_at, sensor_type, kind, original_value, filtered_value, reason, detail, status, confidence, created_at
		FROM anomalies
		WHERE (? = '' OR location = ?) AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC, sensor_type ASC
	`, location, location, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var sensor, kind, status string
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.ReadingID, &a.Location, &a.Timestamp, &sensor, &kind, &a.OriginalValue,
			&a.FilteredValue, &a.Reason, &detail, &status, &a.Confidence, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.SensorType = models.SensorType(sensor)
		a.Kind = models.AnomalyKind(kind)
		a.Status = models.AnomalyStatus(status)
		a.Detail = detail.String
		a.Timestamp = a.Timestamp.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}
