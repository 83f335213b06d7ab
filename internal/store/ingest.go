package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IngestRun records one refresh cycle for auditing.
type IngestRun struct {
	ID                int64
	CycleID           string
	Trigger           string // "auto", "manual", "cli"
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Endpoint          string
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	ParseErrors       sql.NullInt64
	RawAdded          sql.NullInt64
	ConsolidatedAdded sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, cycleID, trigger, endpoint string) (*IngestRun, error) {
	run := &IngestRun{
		CycleID:   cycleID,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Endpoint:  endpoint,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (cycle_id, trigger_kind, started_at, endpoint, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.CycleID, run.Trigger, run.StartedAt, run.Endpoint)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			parse_errors = ?,
			raw_added = ?,
			consolidated_added = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.ParseErrors, run.RawAdded, run.ConsolidatedAdded, run.Success,
		run.ErrorMessage, run.ID)
	return err
}

// DiscardIngestRun removes the audit row of a cycle that was stopped before
// it finished. An archived payload stays but is detached from the run.
func (s *Store) DiscardIngestRun(ctx context.Context, run *IngestRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE raw_payloads SET ingest_run_id = NULL WHERE ingest_run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("detach payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("delete ingest run: %w", err)
	}
	return tx.Commit()
}

// IngestHealthSummary represents a daily ingest health summary.
type IngestHealthSummary struct {
	Date              string `json:"date"`
	Trigger           string `json:"trigger"`
	TotalRuns         int    `json:"total_runs"`
	SuccessRuns       int    `json:"success_runs"`
	FailedRuns        int    `json:"failed_runs"`
	RawAdded          int64  `json:"raw_added"`
	ConsolidatedAdded int64  `json:"consolidated_added"`
	ParseErrors       int64  `json:"parse_errors"`
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(ctx context.Context, days int) ([]IngestHealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			trigger_kind,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(raw_added), 0),
			COALESCE(SUM(consolidated_added), 0),
			COALESCE(SUM(parse_errors), 0)
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, trigger_kind
		ORDER BY date DESC, trigger_kind
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Trigger, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.RawAdded, &h.ConsolidatedAdded, &h.ParseErrors); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, trigger_kind, started_at, finished_at, endpoint,
		       http_status, response_size_bytes, records_parsed, parse_errors,
		       raw_added, consolidated_added, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Trigger, &r.StartedAt, &r.FinishedAt,
			&r.Endpoint, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed,
			&r.ParseErrors, &r.RawAdded, &r.ConsolidatedAdded, &r.Success,
			&r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
