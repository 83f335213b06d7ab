package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/models"
)

const tableConsolidated = "lecturas_consolidadas"

// InsertConsolidated stores rows keyed by (timestamp, station) and returns
// the ones that were newly added. For an existing key the configured policy
// either leaves the stored row alone or fills its empty slots; neither case
// counts as added.
func (s *Store) InsertConsolidated(ctx context.Context, rows []models.ConsolidatedRow) ([]models.ConsolidatedRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO lecturas_consolidadas
			(ts, fecha, hora, estacionNombre, temperatura, presion, altitud, calidadAire)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts, estacionNombre) DO NOTHING
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	var added []models.ConsolidatedRow
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := r.Timestamp + "/" + r.StationName
		if r.Timestamp == "" || r.StationName == "" {
			s.writeFailed(&StorageWriteError{Table: tableConsolidated, Key: key, Err: errMissingKey})
			continue
		}

		res, err := insert.ExecContext(ctx, r.Timestamp, r.Date, r.Time, r.StationName,
			r.Temperature, r.Pressure, r.Altitude, r.AirQuality)
		if err != nil {
			s.writeFailed(&StorageWriteError{Table: tableConsolidated, Key: key, Err: err})
			continue
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			if id, err := res.LastInsertId(); err == nil {
				r.ID = id
			}
			added = append(added, r)
			continue
		}

		if s.policy == CoalesceMissing {
			if _, err := tx.ExecContext(ctx, `
				UPDATE lecturas_consolidadas SET
					temperatura = COALESCE(temperatura, ?),
					presion = COALESCE(presion, ?),
					altitud = COALESCE(altitud, ?),
					calidadAire = COALESCE(calidadAire, ?)
				WHERE ts = ? AND estacionNombre = ?
			`, r.Temperature, r.Pressure, r.Altitude, r.AirQuality, r.Timestamp, r.StationName); err != nil {
				s.writeFailed(&StorageWriteError{Table: tableConsolidated, Key: key, Err: err})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RowsAdded.WithLabelValues("consolidated").Add(float64(len(added)))
	return added, nil
}

const consolidatedColumns = `id, ts, COALESCE(fecha, ''), COALESCE(hora, ''), estacionNombre,
	temperatura, presion, altitud, calidadAire`

// RecentConsolidated returns at most limit of the newest consolidated rows,
// oldest first. An empty station matches every station.
func (s *Store) RecentConsolidated(ctx context.Context, limit int, station string) ([]models.ConsolidatedRow, error) {
	out, err := s.queryConsolidated(ctx, `
		SELECT `+consolidatedColumns+`
		FROM lecturas_consolidadas
		WHERE ? = '' OR estacionNombre = ?
		ORDER BY datetime(ts) DESC, id DESC
		LIMIT ?
	`, station, station, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent consolidated: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// ExportConsolidated returns every consolidated row ascending by time.
func (s *Store) ExportConsolidated(ctx context.Context, station string) ([]models.ConsolidatedRow, error) {
	out, err := s.queryConsolidated(ctx, `
		SELECT `+consolidatedColumns+`
		FROM lecturas_consolidadas
		WHERE ? = '' OR estacionNombre = ?
		ORDER BY datetime(ts) ASC, id ASC
	`, station, station)
	if err != nil {
		return nil, fmt.Errorf("query consolidated export: %w", err)
	}
	return out, nil
}

func (s *Store) queryConsolidated(ctx context.Context, query string, args ...any) ([]models.ConsolidatedRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConsolidatedRow
	for rows.Next() {
		var r models.ConsolidatedRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Date, &r.Time, &r.StationName,
			&r.Temperature, &r.Pressure, &r.Altitude, &r.AirQuality); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearAll deletes every raw and consolidated reading. Audit tables are kept.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{tableRaw, tableConsolidated} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
