package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/chasse/ingest/internal/content"
)

// LookupContentHash returns the article that first carried this exact
// hash; ok is false for a fresh hash.
func (s *Store) LookupContentHash(ctx context.Context, hash string) (articleID int64, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT article_id FROM content_hashes WHERE content_hash = ?`, hash).
		Scan(&articleID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return articleID, true, nil
}

// NearCandidate is one article found through the band index.
type NearCandidate struct {
	ArticleID    int64
	SimHash      uint64
	DiscoveredAt int64 // unix millis; oldest match becomes the canonical
}

// NearCandidates returns every article sharing at least one 16-bit band
// with h. Sharing a band is a necessary condition for Hamming distance
// <= 3, so the caller only has to compute exact distances on this set.
func (s *Store) NearCandidates(ctx context.Context, h uint64) ([]NearCandidate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT a.id, a.simhash, a.discovered_at
		FROM simhash_bands b JOIN articles a ON a.id = b.article_id
		WHERE (b.band = 0 AND b.band_key = ?)
		   OR (b.band = 1 AND b.band_key = ?)
		   OR (b.band = 2 AND b.band_key = ?)
		   OR (b.band = 3 AND b.band_key = ?)
		ORDER BY a.discovered_at ASC, a.id ASC`,
		int64(content.Band(h, 0)), int64(content.Band(h, 1)),
		int64(content.Band(h, 2)), int64(content.Band(h, 3)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NearCandidate
	for rows.Next() {
		var c NearCandidate
		var sim int64
		if err := rows.Scan(&c.ArticleID, &sim, &c.DiscoveredAt); err != nil {
			return nil, err
		}
		c.SimHash = uint64(sim)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompactBands deletes band rows whose article no longer exists. Articles
// are never deleted by the pipeline, so orphans only appear after manual
// surgery; the weekly sweep keeps the index tight anyway.
func (s *Store) CompactBands(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM simhash_bands
		WHERE article_id NOT IN (SELECT id FROM articles)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
