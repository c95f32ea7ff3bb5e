package store

import "database/sql"

// Schema is the complete collection schema. Timestamps are unix
// milliseconds. SimHashes are uint64 bit patterns stored in SQLite's
// signed 64-bit INTEGER; the Go layer casts both ways.
const Schema = `
-- Polling targets plus their scheduler/fetcher state. The state columns
-- (last_*, consecutive_failures, health, next_run_at) are owned by the
-- pipeline; everything else comes from config sync.
CREATE TABLE IF NOT EXISTS sources (
    identifier        TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    url               TEXT NOT NULL,
    rss_url           TEXT NOT NULL DEFAULT '',
    tier              INTEGER NOT NULL DEFAULT 3,
    active            INTEGER NOT NULL DEFAULT 1,
    weight            REAL NOT NULL DEFAULT 1.0,
    check_frequency   INTEGER NOT NULL DEFAULT 1800,
    rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
    user_agent        TEXT NOT NULL DEFAULT '',
    timeout_seconds   INTEGER NOT NULL DEFAULT 0,
    max_articles      INTEGER NOT NULL DEFAULT 0,
    scope_json        TEXT NOT NULL DEFAULT '{}',
    extract_json      TEXT NOT NULL DEFAULT '{}',
    discovery_json    TEXT NOT NULL DEFAULT '{}',
    categories_json   TEXT NOT NULL DEFAULT '[]',
    last_checked_at   INTEGER,
    last_success_at   INTEGER,
    last_etag         TEXT NOT NULL DEFAULT '',
    last_modified     TEXT NOT NULL DEFAULT '',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    health            TEXT NOT NULL DEFAULT 'healthy',
    next_run_at       INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(active, next_run_at);

-- Canonical ingested articles. source_id is intentionally not a foreign
-- key: removing a source from config never deletes ingested history.
CREATE TABLE IF NOT EXISTS articles (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id     TEXT NOT NULL,
    canonical_url TEXT NOT NULL,
    original_url  TEXT NOT NULL,
    title         TEXT NOT NULL,
    content       TEXT NOT NULL,
    raw_html      TEXT NOT NULL DEFAULT '',
    published_at  INTEGER,
    discovered_at INTEGER NOT NULL,
    author        TEXT NOT NULL DEFAULT '',
    tags_json     TEXT NOT NULL DEFAULT '[]',
    language      TEXT NOT NULL DEFAULT '',
    content_hash  TEXT NOT NULL,
    simhash       INTEGER NOT NULL DEFAULT 0,
    quality_score REAL NOT NULL DEFAULT 0,
    threat_hunting_score INTEGER NOT NULL DEFAULT 0,
    metadata_json TEXT NOT NULL DEFAULT '{}',
    UNIQUE (source_id, canonical_url),
    UNIQUE (source_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_articles_discovered ON articles(discovered_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_threat ON articles(threat_hunting_score DESC);

-- FTS5 over articles, maintained by triggers.
CREATE VIRTUAL TABLE IF NOT EXISTS articles_fts USING fts5(
    title, content, content='articles', content_rowid='id',
    tokenize='unicode61 remove_diacritics 2'
);
CREATE TRIGGER IF NOT EXISTS articles_ai AFTER INSERT ON articles BEGIN
    INSERT INTO articles_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS articles_ad AFTER DELETE ON articles BEGIN
    INSERT INTO articles_fts(articles_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
END;
CREATE TRIGGER IF NOT EXISTS articles_au AFTER UPDATE OF title, content ON articles BEGIN
    INSERT INTO articles_fts(articles_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
    INSERT INTO articles_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;

-- Exact-duplicate index. Global across sources so a syndicated copy dedups
-- against the first ingest.
CREATE TABLE IF NOT EXISTS content_hashes (
    content_hash TEXT PRIMARY KEY,
    article_id   INTEGER NOT NULL REFERENCES articles(id),
    first_seen_at INTEGER NOT NULL
);

-- Near-duplicate band index: 4 x 16-bit slices of each article SimHash.
CREATE TABLE IF NOT EXISTS simhash_bands (
    band       INTEGER NOT NULL,
    band_key   INTEGER NOT NULL,
    article_id INTEGER NOT NULL REFERENCES articles(id),
    PRIMARY KEY (band, band_key, article_id)
);
CREATE INDEX IF NOT EXISTS idx_simhash_lookup ON simhash_bands(band, band_key);

-- One row per fetch attempt, success or failure. Append-only.
CREATE TABLE IF NOT EXISTS source_checks (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL,
    http_status   INTEGER NOT NULL DEFAULT 0,
    bytes         INTEGER NOT NULL DEFAULT 0,
    articles_seen INTEGER NOT NULL DEFAULT 0,
    articles_new  INTEGER NOT NULL DEFAULT 0,
    error_kind    TEXT NOT NULL DEFAULT '',
    error_detail  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_checks_source ON source_checks(source_id, started_at DESC);

-- Known URLs per source; suppresses re-processing during discovery.
-- active=0 marks URLs that came back 404/410 and must not be rediscovered.
CREATE TABLE IF NOT EXISTS url_tracking (
    source_id     TEXT NOT NULL,
    canonical_url TEXT NOT NULL,
    first_seen_at INTEGER NOT NULL,
    last_seen_at  INTEGER NOT NULL,
    article_id    INTEGER,
    active        INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (source_id, canonical_url)
);

-- Per-source mutual exclusion that survives restarts. A claim older than
-- the TTL is stuck and may be taken over.
CREATE TABLE IF NOT EXISTS source_leases (
    source_id   TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at INTEGER NOT NULL
);
`

// ApplySchema creates all tables, indexes, and triggers. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
