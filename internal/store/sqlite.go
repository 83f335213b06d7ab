// Package store persists raw and consolidated sensor readings in SQLite.
// Every write is an idempotent insert, so overlapping refresh cycles can
// share one Store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ConsolidatedPolicy decides what happens when a consolidated row arrives for
// a (timestamp, station) key that is already stored.
type ConsolidatedPolicy int

const (
	// FirstWriterWins ignores the later row entirely.
	FirstWriterWins ConsolidatedPolicy = iota
	// CoalesceMissing fills quantity slots that are still empty in the stored
	// row and leaves populated ones untouched.
	CoalesceMissing
)

// ParseConsolidatedPolicy maps "first" or "coalesce" to a policy.
func ParseConsolidatedPolicy(s string) (ConsolidatedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return FirstWriterWins, nil
	case "coalesce":
		return CoalesceMissing, nil
	}
	return FirstWriterWins, fmt.Errorf("invalid consolidated policy %q (allowed: first, coalesce)", s)
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	policy ConsolidatedPolicy
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// SetConsolidatedPolicy changes how duplicate consolidated keys are handled.
func (s *Store) SetConsolidatedPolicy(p ConsolidatedPolicy) {
	s.policy = p
}

// Open opens a file-backed SQLite database with WAL and a busy timeout on
// every connection, creating the parent directory if needed.
func Open(path string, maxOpenConns int) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
