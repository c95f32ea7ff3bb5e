package store

import (
	"context"
	"time"
)

// SourceStats summarizes one source for the stats report.
type SourceStats struct {
	Identifier          string    `json:"identifier"`
	Name                string    `json:"name"`
	Tier                int       `json:"tier"`
	Active              bool      `json:"active"`
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	NextRunAt           time.Time `json:"next_run_at,omitzero"`
	Articles            int64     `json:"articles"`
	ChecksTotal         int64     `json:"checks_total"`
	ChecksFailed        int64     `json:"checks_failed"`
	AvgQuality          float64   `json:"avg_quality"`
	AvgThreat           float64   `json:"avg_threat"`
}

// Stats is the corpus-wide report behind the stats command.
type Stats struct {
	Sources        int64         `json:"sources"`
	ActiveSources  int64         `json:"active_sources"`
	Articles       int64         `json:"articles"`
	TrackedURLs    int64         `json:"tracked_urls"`
	UniqueHashes   int64         `json:"unique_hashes"`
	Checks         int64         `json:"checks"`
	FailedChecks   int64         `json:"failed_checks"`
	HighThreat     int64         `json:"high_threat"` // threat score >= 80
	AvgQuality     float64       `json:"avg_quality"`
	OldestArticle  time.Time     `json:"oldest_article,omitzero"`
	NewestArticle  time.Time     `json:"newest_article,omitzero"`
	PerSource      []SourceStats `json:"per_source,omitempty"`
}

// GlobalStats aggregates the whole database in one pass per table.
func (s *Store) GlobalStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sources),
			(SELECT COUNT(*) FROM sources WHERE active = 1),
			(SELECT COUNT(*) FROM articles),
			(SELECT COUNT(*) FROM url_tracking),
			(SELECT COUNT(*) FROM content_hashes),
			(SELECT COUNT(*) FROM source_checks),
			(SELECT COUNT(*) FROM source_checks WHERE error_kind != ''),
			(SELECT COUNT(*) FROM articles WHERE threat_hunting_score >= 80),
			(SELECT COALESCE(AVG(quality_score), 0) FROM articles),
			(SELECT COALESCE(MIN(discovered_at), 0) FROM articles),
			(SELECT COALESCE(MAX(discovered_at), 0) FROM articles)`).
		Scan(&st.Sources, &st.ActiveSources, &st.Articles, &st.TrackedURLs,
			&st.UniqueHashes, &st.Checks, &st.FailedChecks, &st.HighThreat,
			&st.AvgQuality, scanMillis(&st.OldestArticle), scanMillis(&st.NewestArticle))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// PerSourceStats returns one row per source with article and check
// aggregates, highest article count first.
func (s *Store) PerSourceStats(ctx context.Context) ([]SourceStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT s.identifier, s.name, s.tier, s.active, s.health,
			s.consecutive_failures, s.last_success_at, s.next_run_at,
			(SELECT COUNT(*) FROM articles a WHERE a.source_id = s.identifier),
			(SELECT COUNT(*) FROM source_checks c WHERE c.source_id = s.identifier),
			(SELECT COUNT(*) FROM source_checks c WHERE c.source_id = s.identifier AND c.error_kind != ''),
			(SELECT COALESCE(AVG(a.quality_score), 0) FROM articles a WHERE a.source_id = s.identifier),
			(SELECT COALESCE(AVG(a.threat_hunting_score), 0) FROM articles a WHERE a.source_id = s.identifier)
		FROM sources s
		ORDER BY 9 DESC, s.identifier ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var ss SourceStats
		var active int
		if err := rows.Scan(&ss.Identifier, &ss.Name, &ss.Tier, &active,
			&ss.Health, &ss.ConsecutiveFailures,
			scanMillis(&ss.LastSuccessAt), scanMillis(&ss.NextRunAt),
			&ss.Articles, &ss.ChecksTotal, &ss.ChecksFailed,
			&ss.AvgQuality, &ss.AvgThreat); err != nil {
			return nil, err
		}
		ss.Active = active != 0
		out = append(out, ss)
	}
	return out, rows.Err()
}

// millisScanner lets time.Time fields scan straight from unix-milli columns.
type millisScanner struct{ t *time.Time }

func (m millisScanner) Scan(v any) error {
	switch x := v.(type) {
	case int64:
		*m.t = fromMillis(x)
	case nil:
		*m.t = time.Time{}
	case float64:
		*m.t = fromMillis(int64(x))
	}
	return nil
}

func scanMillis(t *time.Time) millisScanner { return millisScanner{t: t} }
