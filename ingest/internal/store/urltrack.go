package store

import (
	"context"
	"database/sql"
)

// SeenURL reports whether a canonical URL is already tracked for a source
// and still active; inactive (404/410) URLs also count as seen so
// discovery stops re-fetching them.
func (s *Store) SeenURL(ctx context.Context, sourceID, canonicalURL string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM url_tracking
		WHERE source_id = ? AND canonical_url = ?`,
		sourceID, canonicalURL).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TouchURL records a terminal URL sighting with no article behind it, such
// as a content rejection. Transiently failed fetches are never touched, so
// they stay eligible for the next check.
func (s *Store) TouchURL(ctx context.Context, sourceID, canonicalURL string) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO url_tracking (source_id, canonical_url, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id, canonical_url) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		sourceID, canonicalURL, now, now)
	return err
}

// AliasURL points a tracked URL at an existing article. Near-duplicate
// ingests use this so the loser URL resolves to the canonical winner.
func (s *Store) AliasURL(ctx context.Context, sourceID, canonicalURL string, articleID int64) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO url_tracking (source_id, canonical_url, first_seen_at, last_seen_at, article_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, canonical_url) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			article_id = excluded.article_id`,
		sourceID, canonicalURL, now, now, articleID)
	return err
}

// DeactivateURL marks a URL gone (404/410) so discovery never retries it.
func (s *Store) DeactivateURL(ctx context.Context, sourceID, canonicalURL string) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO url_tracking (source_id, canonical_url, first_seen_at, last_seen_at, active)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (source_id, canonical_url) DO UPDATE SET
			last_seen_at = excluded.last_seen_at, active = 0`,
		sourceID, canonicalURL, now, now)
	return err
}

// GetURLTrack returns the tracking row, or nil when absent.
func (s *Store) GetURLTrack(ctx context.Context, sourceID, canonicalURL string) (*URLTrack, error) {
	var t URLTrack
	var first, last int64
	var articleID sql.NullInt64
	var active int
	err := s.DB.QueryRowContext(ctx, `
		SELECT source_id, canonical_url, first_seen_at, last_seen_at, article_id, active
		FROM url_tracking WHERE source_id = ? AND canonical_url = ?`,
		sourceID, canonicalURL).
		Scan(&t.SourceID, &t.CanonicalURL, &first, &last, &articleID, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.FirstSeenAt = fromMillis(first)
	t.LastSeenAt = fromMillis(last)
	t.ArticleID = articleID.Int64
	t.Active = active != 0
	return &t, nil
}

// CountTrackedURLs returns the url_tracking row count for stats.
func (s *Store) CountTrackedURLs(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM url_tracking`).Scan(&n)
	return n, err
}
