package store

import (
	"context"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

// InsertLogEntry appends one pipeline step record.
func (s *Store) InsertLogEntry(ctx context.Context, e models.ProcessingLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_logs (id, cycle_id, location, logged_at, action, status, details, duration_ms, data_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CycleID, e.Location, e.Timestamp.UTC(), e.Action, string(e.Status), e.Details, e.DurationMs, e.DataCount)
	return err
}

// GetLogEntries returns entries logged in [start, end), newest first.
// An empty location matches all; limit <= 0 means no limit.
func (s *Store) GetLogEntries(ctx context.Context, location string, start, end time.Time, limit int) ([]models.ProcessingLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryLogEntries(ctx, `
		WHERE (? = '' OR location = ?) AND logged_at >= ? AND logged_at < ?
		ORDER BY logged_at DESC
		LIMIT ?
	`, location, location, start.UTC(), end.UTC(), limit)
}

// GetCycleLog returns the entries of one cycle in the order they were written.
func (s *Store) GetCycleLog(ctx context.Context, cycleID string) ([]models.ProcessingLogEntry, error) {
	return s.queryLogEntries(ctx, `WHERE cycle_id = ? ORDER BY logged_at ASC, rowid ASC`, cycleID)
}

func (s *Store) queryLogEntries(ctx context.Context, clause string, args ...any) ([]models.ProcessingLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, location, logged_at, action, status, details, duration_ms, data_count
		FROM processing_logs
	`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ProcessingLogEntry
	for rows.Next() {
		var e models.ProcessingLogEntry
		var status string
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Location, &e.Timestamp, &e.Action, &status,
			&e.Details, &e.DurationMs, &e.DataCount); err != nil {
			return nil, err
		}
		e.Status = models.LogStatus(status)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogHealthSummary counts step outcomes per day and action.
type LogHealthSummary struct {
	Date     string
	Action   string
	Success  int
	Warnings int
	Errors   int
	Records  int64
}

// GetLogHealth summarizes processing log entries logged since the given time.
func (s *Store) GetLogHealth(ctx context.Context, since time.Time) ([]LogHealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			SUBSTR(logged_at, 1, 10) as date,
			action,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'warning' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			COALESCE(SUM(data_count), 0)
		FROM processing_logs
		WHERE logged_at >= ?
		GROUP BY date, action
		ORDER BY date DESC, action
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LogHealthSummary
	for rows.Next() {
		var h LogHealthSummary
		if err := rows.Scan(&h.Date, &h.Action, &h.Success, &h.Warnings, &h.Errors, &h.Records); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// CleanupOldLogEntries deletes entries logged before cutoff.
func (s *Store) CleanupOldLogEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processing_logs WHERE logged_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
