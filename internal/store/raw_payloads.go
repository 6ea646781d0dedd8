package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is a stored provider response.
type RawPayload struct {
	ID                int64
	CycleID           sql.NullString
	FetchedAt         time.Time
	Source            string
	Endpoint          string
	Location          sql.NullString
	PayloadCompressed []byte
	PayloadHash       string
	SchemaVersion     int
}

// HashPayload returns the hex sha256 used to deduplicate payloads.
func HashPayload(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// StoreRawPayload stores a compressed provider response.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, cycleID, source, endpoint, location string, fetchedAt time.Time, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(cycle_id, fetched_at, source, endpoint, location, payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING
	`, nullString(cycleID), fetchedAt.UTC(), source, endpoint, nullString(location), buf.Bytes(), HashPayload(payload))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload returns a stored payload by ID, or nil if absent.
func (s *Store) GetRawPayload(ctx context.Context, id int64) (*RawPayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cycle_id, fetched_at, source, endpoint, location,
		       payload_compressed, payload_hash, schema_version
		FROM raw_payloads WHERE id = ?
	`, id)

	var p RawPayload
	err := row.Scan(&p.ID, &p.CycleID, &p.FetchedAt, &p.Source, &p.Endpoint,
		&p.Location, &p.PayloadCompressed, &p.PayloadHash, &p.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FetchedAt = p.FetchedAt.UTC()
	return &p, nil
}

// Body decompresses the stored provider response.
func (p *RawPayload) Body() ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(p.PayloadCompressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// RawPayloadStats contains storage statistics for raw payloads.
type RawPayloadStats struct {
	TotalCount      int
	TotalSizeBytes  int64
	OldestFetchedAt time.Time
	CountBySource   map[string]int
}

func (s *Store) GetRawPayloadStats(ctx context.Context) (*RawPayloadStats, error) {
	stats := &RawPayloadStats{CountBySource: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), COALESCE(SUM(LENGTH(payload_compressed)), 0)
		FROM raw_payloads
		GROUP BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int
		var size int64
		if err := rows.Scan(&source, &count, &size); err != nil {
			return nil, err
		}
		stats.CountBySource[source] = count
		stats.TotalCount += count
		stats.TotalSizeBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalCount > 0 {
		err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM raw_payloads ORDER BY fetched_at ASC LIMIT 1`).
			Scan(&stats.OldestFetchedAt)
		if err != nil {
			return nil, err
		}
		stats.OldestFetchedAt = stats.OldestFetchedAt.UTC()
	}
	return stats, nil
}

// CleanupOldRawPayloads deletes raw payloads fetched before cutoff.
// Returns the number of deleted records.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
