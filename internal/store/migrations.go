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

const rawIndexes = `
CREATE INDEX IF NOT EXISTS idx_crudas_estacion ON lecturas_crudas(estacionNombre);
CREATE INDEX IF NOT EXISTS idx_crudas_timestamp ON lecturas_crudas(timestamp);
`

const rawTableSQL = `
CREATE TABLE IF NOT EXISTS lecturas_crudas (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    lecturaId INTEGER,
    valor REAL,
    timestamp TEXT NOT NULL,
    sensorNombre TEXT NOT NULL DEFAULT '',
    tipoSensor TEXT NOT NULL DEFAULT '',
    unidadMedicion TEXT NOT NULL DEFAULT '',
    estacionNombre TEXT NOT NULL,
    estacionUbicacion TEXT NOT NULL DEFAULT '',
    raw_json TEXT,
    UNIQUE(timestamp, estacionNombre, sensorNombre, unidadMedicion)
);
`

var migrations = []migration{
	{
		Version:     1,
		Description: "Raw and consolidated readings",
		SQL: rawTableSQL + rawIndexes + `
CREATE TABLE IF NOT EXISTS lecturas_consolidadas (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    fecha TEXT,
    hora TEXT,
    estacionNombre TEXT NOT NULL,
    temperatura REAL,
    presion REAL,
    altitud REAL,
    calidadAire REAL,
    UNIQUE(ts, estacionNombre)
);

CREATE INDEX IF NOT EXISTS idx_consolidadas_estacion ON lecturas_consolidadas(estacionNombre);
`,
	},
	{
		Version:     2,
		Description: "Ingest run audit",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    trigger_kind TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    endpoint TEXT NOT NULL,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    parse_errors INTEGER,
    raw_added INTEGER,
    consolidated_added INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at DATETIME NOT NULL,
    endpoint TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

// Migrate applies pending schema migrations, then repairs a raw table left
// behind by older builds that keyed it on lecturaId. A failed repair is
// logged and the store keeps the schema it has.
func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
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

	if err := s.repairLegacyRawTable(context.Background()); err != nil {
		s.logger.Error("legacy raw table repair failed", "error", err)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
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

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// hasLegacyRawKey reports whether lecturas_crudas carries a unique index
// whose only column is lecturaId.
func (s *Store) hasLegacyRawKey(ctx context.Context) (bool, error) {
	names, err := queryStrings(ctx, s.db,
		`SELECT name FROM pragma_index_list('lecturas_crudas') WHERE "unique" = 1`)
	if err != nil {
		return false, err
	}

	for _, name := range names {
		cols, err := queryStrings(ctx, s.db, `SELECT name FROM pragma_index_info(?)`, name)
		if err != nil {
			return false, err
		}
		if len(cols) == 1 && cols[0] == "lecturaId" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) repairLegacyRawTable(ctx context.Context) error {
	legacy, err := s.hasLegacyRawKey(ctx)
	if err != nil {
		return &SchemaMigrationError{Step: "inspect lecturas_crudas", Err: err}
	}
	if !legacy {
		return nil
	}

	s.logger.Warn("rebuilding lecturas_crudas with composite unique key")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &SchemaMigrationError{Step: "begin", Err: err}
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		sql  string
	}{
		{"rename", `ALTER TABLE lecturas_crudas RENAME TO lecturas_crudas_legacy`},
		{"recreate", rawTableSQL},
		{"copy", `
INSERT OR IGNORE INTO lecturas_crudas
    (lecturaId, valor, timestamp, sensorNombre, tipoSensor, unidadMedicion,
     estacionNombre, estacionUbicacion, raw_json)
SELECT lecturaId, valor, timestamp, COALESCE(sensorNombre, ''), COALESCE(tipoSensor, ''),
       COALESCE(unidadMedicion, ''), estacionNombre, COALESCE(estacionUbicacion, ''), raw_json
FROM lecturas_crudas_legacy
WHERE timestamp IS NOT NULL AND timestamp != ''
  AND estacionNombre IS NOT NULL AND estacionNombre != ''
ORDER BY id`},
		{"drop", `DROP TABLE lecturas_crudas_legacy`},
		{"index", rawIndexes},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.sql); err != nil {
			return &SchemaMigrationError{Step: step.name, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &SchemaMigrationError{Step: "commit", Err: err}
	}
	return nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
