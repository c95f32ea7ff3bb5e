package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/chasse/ingest/internal/content"
)

// Sentinel duplicates surfaced by InsertArticle when a unique constraint
// fires. Callers treat both as duplicate(exact), not failures.
var (
	ErrDuplicateURL  = errors.New("store: article with this canonical URL already exists")
	ErrDuplicateHash = errors.New("store: article with this content hash already exists")
)

const articleColumns = `id, source_id, canonical_url, original_url, title,
content, raw_html, published_at, discovered_at, author, tags_json, language,
content_hash, simhash, quality_score, threat_hunting_score, metadata_json`

// InsertArticle persists an article with its dedup index entries and URL
// tracking row in one transaction, so the band index can never disagree
// with the articles table. On success a.ID is populated.
func (s *Store) InsertArticle(ctx context.Context, a *Article) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert article: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO articles (source_id, canonical_url, original_url, title,
			content, raw_html, published_at, discovered_at, author, tags_json,
			language, content_hash, simhash, quality_score,
			threat_hunting_score, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SourceID, a.CanonicalURL, a.OriginalURL, a.Title,
		a.Content, a.RawHTML, nullMillis(millis(a.PublishedAt)), millis(a.DiscoveredAt),
		a.Author, orJSON(a.TagsJSON, "[]"), a.Language, a.ContentHash,
		int64(a.SimHash), a.QualityScore, a.ThreatHuntingScore,
		orJSON(a.MetadataJSON, "{}"),
	)
	if err != nil {
		return classifyUnique(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: article id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content_hashes (content_hash, article_id, first_seen_at) VALUES (?, ?, ?)`,
		a.ContentHash, id, millis(a.DiscoveredAt)); err != nil {
		return classifyUnique(err)
	}

	for band := 0; band < content.NumBands; band++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO simhash_bands (band, band_key, article_id) VALUES (?, ?, ?)`,
			band, int64(content.Band(a.SimHash, band)), id); err != nil {
			return fmt.Errorf("store: insert band: %w", err)
		}
	}

	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO url_tracking (source_id, canonical_url, first_seen_at, last_seen_at, article_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, canonical_url) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			article_id = excluded.article_id`,
		a.SourceID, a.CanonicalURL, now, now, id); err != nil {
		return fmt.Errorf("store: track url: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return classifyUnique(err)
	}
	a.ID = id
	return nil
}

// classifyUnique maps SQLite unique-constraint failures onto the duplicate
// sentinels; anything else passes through wrapped.
func classifyUnique(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") &&
		!strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("store: insert article: %w", err)
	}
	if strings.Contains(msg, "canonical_url") {
		return fmt.Errorf("%w: %v", ErrDuplicateURL, err)
	}
	return fmt.Errorf("%w: %v", ErrDuplicateHash, err)
}

// GetArticle returns an article by id, or nil when absent.
func (s *Store) GetArticle(ctx context.Context, id int64) (*Article, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// RecentArticles returns the newest articles by discovery time.
func (s *Store) RecentArticles(ctx context.Context, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles ORDER BY discovered_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArticles(rows)
}

// TopThreatArticles returns the highest threat-hunting scores first,
// newest first within a score.
func (s *Store) TopThreatArticles(ctx context.Context, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+articleColumns+` FROM articles
		ORDER BY threat_hunting_score DESC, discovered_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArticles(rows)
}

// UpdateScores rewrites the recomputable fields; rescore is the only
// mutation articles see after insert.
func (s *Store) UpdateScores(ctx context.Context, id int64, quality float64, threat int, metadataJSON string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE articles SET quality_score = ?, threat_hunting_score = ?, metadata_json = ?
		WHERE id = ?`,
		quality, threat, orJSON(metadataJSON, "{}"), id)
	return err
}

// ForEachArticle streams all articles through fn, stopping on the first
// error. Used by rescore so the full corpus never loads into memory.
func (s *Store) ForEachArticle(ctx context.Context, fn func(*Article) error) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanArticle(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountArticles returns the total article count, optionally per source.
func (s *Store) CountArticles(ctx context.Context, sourceID string) (int64, error) {
	var n int64
	var err error
	if sourceID == "" {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	} else {
		err = s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM articles WHERE source_id = ?`, sourceID).Scan(&n)
	}
	return n, err
}

func collectArticles(rows *sql.Rows) ([]*Article, error) {
	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArticle(scan func(...any) error) (*Article, error) {
	var a Article
	var published sql.NullInt64
	var discovered, simhash int64
	err := scan(
		&a.ID, &a.SourceID, &a.CanonicalURL, &a.OriginalURL, &a.Title,
		&a.Content, &a.RawHTML, &published, &discovered, &a.Author,
		&a.TagsJSON, &a.Language, &a.ContentHash, &simhash,
		&a.QualityScore, &a.ThreatHuntingScore, &a.MetadataJSON,
	)
	if err != nil {
		return nil, err
	}
	a.PublishedAt = fromMillis(published.Int64)
	a.DiscoveredAt = fromMillis(discovered)
	a.SimHash = uint64(simhash)
	return &a, nil
}

func nullMillis(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}
