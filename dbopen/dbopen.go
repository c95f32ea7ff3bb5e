// Package dbopen centralizes SQLite database opening so every database in the
// pipeline (articles, queue) gets the same pragmas and defaults.
//
// Connection strings accept several spellings because operators copy them from
// different tools: a bare filesystem path, ":memory:", a "file:" URI, or a
// "sqlite://" / "sqlite3://" URL. Anything else is rejected early with a clear
// error instead of surfacing as a cryptic driver failure later.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

type config struct {
	busyTimeout int // milliseconds
	cacheSize   int // pages; 0 keeps the driver default
	synchronous string
	mkdirAll    bool
	schema      string
	ping        bool
	foreignKeys bool
}

// Option adjusts how Open configures the database.
type Option func(*config)

// WithBusyTimeout sets the SQLite busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option {
	return func(c *config) { c.busyTimeout = ms }
}

// WithCacheSize sets the SQLite page cache size in pages.
func WithCacheSize(pages int) Option {
	return func(c *config) { c.cacheSize = pages }
}

// WithSynchronous sets the synchronous pragma (OFF, NORMAL, FULL).
func WithSynchronous(mode string) Option {
	return func(c *config) { c.synchronous = mode }
}

// WithMkdirAll creates the parent directory of the database file if missing.
func WithMkdirAll() Option {
	return func(c *config) { c.mkdirAll = true }
}

// WithSchema executes the given DDL after opening. The DDL must be idempotent
// (CREATE TABLE IF NOT EXISTS style) because it runs on every open.
func WithSchema(ddl string) Option {
	return func(c *config) { c.schema = ddl }
}

// WithoutPing skips the connectivity check after opening.
func WithoutPing() Option {
	return func(c *config) { c.ping = false }
}

// WithoutForeignKeys leaves foreign key enforcement off.
func WithoutForeignKeys() Option {
	return func(c *config) { c.foreignKeys = false }
}

// ParseDSN normalizes a connection string into a path the sqlite driver
// accepts. Supported forms:
//
//	articles.db
//	/var/lib/chasse/articles.db
//	:memory:
//	file:articles.db?cache=shared
//	sqlite:///var/lib/chasse/articles.db
//	sqlite3://articles.db
func ParseDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("dbopen: empty connection string")
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	if i := strings.Index(dsn, "://"); i >= 0 {
		scheme := strings.ToLower(dsn[:i])
		switch scheme {
		case "sqlite", "sqlite3":
			u, err := url.Parse(dsn)
			if err != nil {
				return "", fmt.Errorf("dbopen: parse %q: %w", dsn, err)
			}
			// sqlite://relative.db puts the path in Host; sqlite:///abs in Path.
			path := u.Path
			if u.Host != "" {
				path = u.Host + u.Path
			}
			if path == "" {
				return "", fmt.Errorf("dbopen: %q has no database path", dsn)
			}
			return path, nil
		default:
			return "", fmt.Errorf("dbopen: unsupported scheme %q (only sqlite databases are supported)", scheme)
		}
	}
	return dsn, nil
}

// Open opens a SQLite database with WAL journaling, busy timeout, and foreign
// keys on. The returned handle is ready for concurrent use.
func Open(dsn string, opts ...Option) (*sql.DB, error) {
	cfg := config{
		busyTimeout: 10000,
		synchronous: "NORMAL",
		ping:        true,
		foreignKeys: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	path, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if cfg.mkdirAll && path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("dbopen: mkdir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	if cfg.foreignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if cfg.cacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", cfg.cacheSize))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
		}
	}

	if cfg.schema != "" {
		if _, err := db.Exec(cfg.schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}

	return db, nil
}

// OpenMemory opens an in-memory database for tests and registers cleanup.
// MaxOpenConns is pinned to 1 so every query sees the same memory database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen: open memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
