// Package store is the data access layer for the collection pipeline:
// sources and their state, articles, the dedup indexes, check audit rows,
// URL tracking, and per-source leases. One SQLite database, raw
// database/sql, explicit handles threaded through calls.
package store

import (
	"database/sql"
	"time"
)

// Store wraps the pipeline database.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// New creates a Store. The caller owns the *sql.DB lifetime.
func New(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// SetClock overrides the time source. Tests use it to make scheduling and
// retention deterministic.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Init applies the schema.
func (s *Store) Init() error {
	return ApplySchema(s.DB)
}
