package store

import (
	"context"
	"time"
)

// InsertCheck appends a fetch-attempt audit row.
func (s *Store) InsertCheck(ctx context.Context, c *Check) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO source_checks (id, source_id, started_at, finished_at,
			http_status, bytes, articles_seen, articles_new, error_kind, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceID, millis(c.StartedAt), millis(c.FinishedAt),
		c.HTTPStatus, c.Bytes, c.ArticlesSeen, c.ArticlesNew,
		c.ErrorKind, c.ErrorDetail)
	return err
}

// RecentChecks returns the latest check rows for a source, newest first.
// sourceID "" means all sources.
func (s *Store) RecentChecks(ctx context.Context, sourceID string, limit int) ([]*Check, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, source_id, started_at, finished_at, http_status,
		bytes, articles_seen, articles_new, error_kind, error_detail
		FROM source_checks `
	args := []any{}
	if sourceID != "" {
		query += `WHERE source_id = ? `
		args = append(args, sourceID)
	}
	query += `ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Check
	for rows.Next() {
		var c Check
		var started, finished int64
		if err := rows.Scan(&c.ID, &c.SourceID, &started, &finished,
			&c.HTTPStatus, &c.Bytes, &c.ArticlesSeen, &c.ArticlesNew,
			&c.ErrorKind, &c.ErrorDetail); err != nil {
			return nil, err
		}
		c.StartedAt = fromMillis(started)
		c.FinishedAt = fromMillis(finished)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PruneChecks deletes check rows older than the retention window.
func (s *Store) PruneChecks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM source_checks WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountChecks returns the number of check rows for stats.
func (s *Store) CountChecks(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_checks`).Scan(&n)
	return n, err
}
