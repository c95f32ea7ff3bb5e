package store

import (
	"context"
	"strings"
)

// SearchResult is one FTS hit.
type SearchResult struct {
	Article *Article
	Rank    float64
}

// SearchArticles runs a full-text query over titles and content. The user
// query is quoted into FTS phrase terms so raw FTS5 syntax cannot leak in.
func (s *Store) SearchArticles(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+prefixedArticleColumns("a")+`, bm25(articles_fts) AS rank
		FROM articles_fts f JOIN articles a ON a.id = f.rowid
		WHERE articles_fts MATCH ?
		ORDER BY rank LIMIT ?`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SearchResult
	for rows.Next() {
		var r SearchResult
		a, err := scanArticleWithRank(rows.Scan, &r.Rank)
		if err != nil {
			return nil, err
		}
		r.Article = a
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ftsQuote turns free text into a conjunction of quoted FTS terms.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

func prefixedArticleColumns(alias string) string {
	cols := strings.Split(articleColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanArticleWithRank(scan func(...any) error, rank *float64) (*Article, error) {
	return scanArticle(func(dest ...any) error {
		return scan(append(dest, rank)...)
	})
}
