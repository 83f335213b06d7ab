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

// StoreRawPayload archives a fetched response body gzip-compressed. Bodies
// are deduplicated by sha256; a repeat returns stored=false.
func (s *Store) StoreRawPayload(ctx context.Context, runID int64, endpoint string, payload []byte) (stored bool, err error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return false, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var ingestRunID sql.NullInt64
	if runID > 0 {
		ingestRunID = sql.NullInt64{Int64: runID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, endpoint, size_bytes, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, ingestRunID, time.Now().UTC(), endpoint, len(payload), buf.Bytes(),
		hex.EncodeToString(hash[:]))
	if err != nil {
		return false, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRawPayload retrieves and decompresses the payload archived for an
// ingest run.
func (s *Store) GetRawPayload(ctx context.Context, runID int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_compressed FROM raw_payloads WHERE ingest_run_id = ?`, runID).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// RawPayloadStats contains storage statistics for archived payloads.
type RawPayloadStats struct {
	TotalCount      int       `json:"total_count"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	CompressedBytes int64     `json:"compressed_bytes"`
	OldestFetchedAt time.Time `json:"oldest_fetched_at"`
	NewestFetchedAt time.Time `json:"newest_fetched_at"`
}

func (s *Store) GetRawPayloadStats(ctx context.Context) (*RawPayloadStats, error) {
	stats := &RawPayloadStats{}

	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0),
		       COALESCE(SUM(LENGTH(payload_compressed)), 0),
		       MIN(SUBSTR(fetched_at, 1, 19)), MAX(SUBSTR(fetched_at, 1, 19))
		FROM raw_payloads
	`).Scan(&stats.TotalCount, &stats.TotalSizeBytes, &stats.CompressedBytes, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestFetchedAt, _ = time.Parse(time.DateTime, oldest.String)
	}
	if newest.Valid {
		stats.NewestFetchedAt, _ = time.Parse(time.DateTime, newest.String)
	}
	return stats, nil
}

// CleanupOldRawPayloads deletes archived payloads older than retentionDays.
// Readings themselves are never touched.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM raw_payloads
		WHERE SUBSTR(fetched_at, 1, 19) < datetime('now', '-' || ? || ' days')
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
