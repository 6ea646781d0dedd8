package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    temperature REAL,
    humidity REAL,
    air_quality_index REAL,
    pm25 REAL,
    pm10 REAL,
    co2 REAL,
    pressure REAL,
    wind_speed REAL,
    wind_direction REAL,
    uv_index REAL,
    visibility REAL,
    created_at DATETIME NOT NULL,
    UNIQUE(location, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_readings_location_time ON readings(location, observed_at);

CREATE TABLE IF NOT EXISTS anomalies (
    id TEXT PRIMARY KEY,
    reading_id INTEGER NOT NULL REFERENCES readings(id),
    location TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    sensor_type TEXT NOT NULL,
    kind TEXT NOT NULL,
    original_value REAL NOT NULL,
    filtered_value REAL,
    reason TEXT NOT NULL,
    detail TEXT,
    status TEXT NOT NULL,
    confidence REAL NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_location_time ON anomalies(location, observed_at);
CREATE INDEX IF NOT EXISTS idx_anomalies_reading ON anomalies(reading_id);
`,
	},
	{
		Version:     2,
		Description: "Hourly and daily aggregates",
		SQL: `
CREATE TABLE IF NOT EXISTS hourly_aggregates (
    location TEXT NOT NULL,
    hour_bucket DATETIME NOT NULL,
    sample_count INTEGER NOT NULL DEFAULT 0,
    anomalies_count INTEGER NOT NULL DEFAULT 0,
    finalized BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (location, hour_bucket)
);

CREATE INDEX IF NOT EXISTS idx_hourly_open ON hourly_aggregates(finalized, hour_bucket);

CREATE TABLE IF NOT EXISTS hourly_metrics (
    location TEXT NOT NULL,
    hour_bucket DATETIME NOT NULL,
    sensor_type TEXT NOT NULL,
    count INTEGER NOT NULL,
    sum REAL NOT NULL,
    min REAL NOT NULL,
    max REAL NOT NULL,
    PRIMARY KEY (location, hour_bucket, sensor_type)
);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    location TEXT NOT NULL,
    date TEXT NOT NULL,
    sample_count INTEGER NOT NULL DEFAULT 0,
    anomalies_count INTEGER NOT NULL DEFAULT 0,
    hours_count INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (location, date)
);

CREATE TABLE IF NOT EXISTS daily_metrics (
    location TEXT NOT NULL,
    date TEXT NOT NULL,
    sensor_type TEXT NOT NULL,
    count INTEGER NOT NULL,
    sum REAL NOT NULL,
    min REAL NOT NULL,
    max REAL NOT NULL,
    PRIMARY KEY (location, date, sensor_type)
);
`,
	},
	{
		Version:     3,
		Description: "Processing log",
		SQL: `
CREATE TABLE IF NOT EXISTS processing_logs (
    id TEXT PRIMARY KEY,
    cycle_id TEXT NOT NULL,
    location TEXT NOT NULL,
    logged_at DATETIME NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    details TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    data_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_processing_logs_time ON processing_logs(logged_at);
CREATE INDEX IF NOT EXISTS idx_processing_logs_cycle ON processing_logs(cycle_id);
`,
	},
	{
		Version:     4,
		Description: "Raw payload storage",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

// Migrate applies pending migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
