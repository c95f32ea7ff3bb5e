package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sourceColumns = `identifier, name, url, rss_url, tier, active, weight,
check_frequency, rate_limit_per_minute, user_agent, timeout_seconds,
max_articles, scope_json, extract_json, discovery_json, categories_json,
last_checked_at, last_success_at, last_etag, last_modified,
consecutive_failures, health, next_run_at, created_at, updated_at`

// UpsertSource inserts a source or updates its config fields. State fields
// (last_*, failures, health, next_run_at) are preserved on update: config
// sync must never reset fetch state.
func (s *Store) UpsertSource(ctx context.Context, src *Source) error {
	now := s.now().UnixMilli()
	if src.Health == "" {
		src.Health = HealthHealthy
	}
	if src.CheckFrequency <= 0 {
		src.CheckFrequency = 1800 * time.Second
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sources (identifier, name, url, rss_url, tier, active, weight,
			check_frequency, rate_limit_per_minute, user_agent, timeout_seconds,
			max_articles, scope_json, extract_json, discovery_json, categories_json,
			health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			rss_url = excluded.rss_url,
			tier = excluded.tier,
			active = excluded.active,
			weight = excluded.weight,
			check_frequency = excluded.check_frequency,
			rate_limit_per_minute = excluded.rate_limit_per_minute,
			user_agent = excluded.user_agent,
			timeout_seconds = excluded.timeout_seconds,
			max_articles = excluded.max_articles,
			scope_json = excluded.scope_json,
			extract_json = excluded.extract_json,
			discovery_json = excluded.discovery_json,
			categories_json = excluded.categories_json,
			updated_at = excluded.updated_at`,
		src.Identifier, src.Name, src.URL, src.RSSURL, src.Tier, src.Active,
		src.Weight, int64(src.CheckFrequency/time.Second), src.RatePerMinute,
		src.UserAgent, int64(src.Timeout/time.Second), src.MaxArticles,
		orJSON(src.ScopeJSON, "{}"), orJSON(src.ExtractJSON, "{}"),
		orJSON(src.DiscoveryJSON, "{}"), orJSON(src.CategoriesJSON, "[]"),
		src.Health, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: upsert source %s: %w", src.Identifier, err)
	}
	return nil
}

// GetSource returns a source by identifier, or nil when absent.
func (s *Store) GetSource(ctx context.Context, identifier string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE identifier = ?`, identifier)
	src, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

// ListSources returns all sources ordered by identifier.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// DueSources returns active, not auto-disabled sources whose next_run_at
// has passed, healthiest and heaviest first, oldest due first within a
// class.
func (s *Store) DueSources(ctx context.Context, now time.Time, limit int) ([]*Source, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE active = 1 AND health != ? AND next_run_at <= ?
		ORDER BY (health = 'healthy') DESC, weight DESC, next_run_at ASC
		LIMIT ?`,
		HealthDisabledAuto, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// DeferSource pushes next_run_at forward without touching fetch state.
// The scheduler uses it after enqueuing a check so the source is not
// re-planned every tick while the job sits in the queue.
func (s *Store) DeferSource(ctx context.Context, identifier string, until time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET next_run_at = ? WHERE identifier = ?`,
		until.UnixMilli(), identifier)
	return err
}

// LeaseHolder reports who currently claims a source, if anyone.
func (s *Store) LeaseHolder(ctx context.Context, sourceID string) (string, bool, error) {
	var holder string
	err := s.DB.QueryRowContext(ctx,
		`SELECT holder FROM source_leases WHERE source_id = ?`, sourceID).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, true, nil
}

// SetActive flips the active flag.
func (s *Store) SetActive(ctx context.Context, identifier string, active bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET active = ?, updated_at = ? WHERE identifier = ?`,
		active, s.now().UnixMilli(), identifier)
	return err
}

// DeleteSource removes a source. Articles survive (sync --remove is about
// config, not history), so the FK cascade is avoided by keeping articles
// keyed on the identifier string.
func (s *Store) DeleteSource(ctx context.Context, identifier string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE identifier = ?`, identifier)
	return err
}

// RecordCheckSuccess writes the fetch-state fields after a successful
// check: validators captured, failure streak reset, next run scheduled.
// Empty etag/lastModified keep the previous validators (a 304 carries
// none).
func (s *Store) RecordCheckSuccess(ctx context.Context, identifier, etag, lastModified string, nextRun time.Time) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sources SET
			last_checked_at = ?, last_success_at = ?,
			last_etag = CASE WHEN ? != '' THEN ? ELSE last_etag END,
			last_modified = CASE WHEN ? != '' THEN ? ELSE last_modified END,
			consecutive_failures = 0, health = ?,
			next_run_at = ?, updated_at = ?
		WHERE identifier = ?`,
		now, now, etag, etag, lastModified, lastModified,
		HealthHealthy, nextRun.UnixMilli(), now, identifier)
	return err
}

// RecordCheckFailure bumps the failure streak, recomputes health from the
// thresholds, and schedules the backed-off next run. Returns the new
// streak.
func (s *Store) RecordCheckFailure(ctx context.Context, identifier string, nextRun time.Time) (int, error) {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sources SET
			last_checked_at = ?,
			consecutive_failures = consecutive_failures + 1,
			health = CASE
				WHEN consecutive_failures + 1 >= ? THEN ?
				WHEN consecutive_failures + 1 >= ? THEN ?
				ELSE ? END,
			next_run_at = ?, updated_at = ?
		WHERE identifier = ?`,
		now, DisabledAutoAfter, HealthDisabledAuto, DegradedAfter, HealthDegraded,
		HealthHealthy, nextRun.UnixMilli(), now, identifier)
	if err != nil {
		return 0, err
	}
	var failures int
	err = s.DB.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM sources WHERE identifier = ?`, identifier).
		Scan(&failures)
	return failures, err
}

// RecomputeHealth re-derives health from consecutive_failures for every
// source. The hourly maintenance sweep runs this to repair any drift.
// Returns the number of sources whose health changed.
func (s *Store) RecomputeHealth(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sources SET health = CASE
			WHEN consecutive_failures >= ? THEN ?
			WHEN consecutive_failures >= ? THEN ?
			ELSE ? END
		WHERE health != CASE
			WHEN consecutive_failures >= ? THEN ?
			WHEN consecutive_failures >= ? THEN ?
			ELSE ? END`,
		DisabledAutoAfter, HealthDisabledAuto, DegradedAfter, HealthDegraded, HealthHealthy,
		DisabledAutoAfter, HealthDisabledAuto, DegradedAfter, HealthDegraded, HealthHealthy)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectSources(rows *sql.Rows) ([]*Source, error) {
	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanSource(scan func(...any) error) (*Source, error) {
	var src Source
	var active int
	var freqSecs, timeoutSecs int64
	var lastChecked, lastSuccess, nextRun, created, updated sql.NullInt64
	err := scan(
		&src.Identifier, &src.Name, &src.URL, &src.RSSURL, &src.Tier, &active,
		&src.Weight, &freqSecs, &src.RatePerMinute, &src.UserAgent, &timeoutSecs,
		&src.MaxArticles, &src.ScopeJSON, &src.ExtractJSON, &src.DiscoveryJSON,
		&src.CategoriesJSON, &lastChecked, &lastSuccess, &src.LastETag,
		&src.LastModified, &src.ConsecutiveFailures, &src.Health, &nextRun,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	src.Active = active != 0
	src.CheckFrequency = time.Duration(freqSecs) * time.Second
	src.Timeout = time.Duration(timeoutSecs) * time.Second
	src.LastCheckedAt = fromMillis(lastChecked.Int64)
	src.LastSuccessAt = fromMillis(lastSuccess.Int64)
	src.NextRunAt = fromMillis(nextRun.Int64)
	src.CreatedAt = fromMillis(created.Int64)
	src.UpdatedAt = fromMillis(updated.Int64)
	return &src, nil
}

func orJSON(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
