package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/models"
)

const tableRaw = "lecturas_crudas"

var errMissingKey = errors.New("missing timestamp or station")

// InsertRaw stores readings, ignoring any whose (timestamp, station, sensor,
// unit) key is already present. It returns how many rows were added. Rows
// that cannot be written are logged and skipped.
func (s *Store) InsertRaw(ctx context.Context, readings []models.RawReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lecturas_crudas
			(lecturaId, valor, timestamp, sensorNombre, tipoSensor, unidadMedicion,
			 estacionNombre, estacionUbicacion, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		key := fmt.Sprintf("%s/%s/%s/%s", r.Timestamp, r.StationName, r.SensorName, r.Unit)
		if r.Timestamp == "" || r.StationName == "" {
			s.writeFailed(&StorageWriteError{Table: tableRaw, Key: key, Err: errMissingKey})
			continue
		}

		res, err := stmt.ExecContext(ctx, r.LecturaID, r.Value, r.Timestamp, r.SensorName,
			r.SensorType, r.Unit, r.StationName, r.StationLocation, r.RawJSON)
		if err != nil {
			s.writeFailed(&StorageWriteError{Table: tableRaw, Key: key, Err: err})
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	metrics.RowsAdded.WithLabelValues("raw").Add(float64(added))
	return added, nil
}

func (s *Store) writeFailed(err *StorageWriteError) {
	metrics.RowWriteErrors.WithLabelValues(err.Table).Inc()
	s.logger.Warn("skipping row", "table", err.Table, "key", err.Key, "error", err.Err)
}

// RecentRaw returns at most limit of the newest raw readings, oldest first.
// An empty station matches every station.
func (s *Store) RecentRaw(ctx context.Context, limit int, station string) ([]models.RawReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lecturaId, valor, timestamp, COALESCE(sensorNombre, ''),
		       COALESCE(tipoSensor, ''), COALESCE(unidadMedicion, ''), estacionNombre,
		       COALESCE(estacionUbicacion, ''), COALESCE(raw_json, '')
		FROM lecturas_crudas
		WHERE ? = '' OR estacionNombre = ?
		ORDER BY datetime(timestamp) DESC, id DESC
		LIMIT ?
	`, station, station, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent raw: %w", err)
	}
	defer rows.Close()

	var out []models.RawReading
	for rows.Next() {
		var r models.RawReading
		if err := rows.Scan(&r.ID, &r.LecturaID, &r.Value, &r.Timestamp, &r.SensorName,
			&r.SensorType, &r.Unit, &r.StationName, &r.StationLocation, &r.RawJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(out)
	return out, nil
}

// Stations returns the distinct non-empty station names seen in raw
// readings, sorted.
func (s *Store) Stations(ctx context.Context) ([]string, error) {
	names, err := queryStrings(ctx, s.db, `
		SELECT DISTINCT estacionNombre FROM lecturas_crudas
		WHERE estacionNombre IS NOT NULL AND estacionNombre != ''
		ORDER BY estacionNombre
	`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	return names, nil
}
