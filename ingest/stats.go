package ingest

import (
	"context"
	"fmt"

	"github.com/hazyhaar/chasse/ingest/internal/store"
)

// Read-path types re-exported for the CLI and MCP surface.
type (
	Source       = store.Source
	Article      = store.Article
	Stats        = store.Stats
	SourceStats  = store.SourceStats
	SearchResult = store.SearchResult
)

// Stats returns the global counters with the per-source breakdown.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	stats, err := svc.store.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.PerSource, err = svc.store.PerSourceStats(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ListSources returns every configured source.
func (svc *Service) ListSources(ctx context.Context) ([]*Source, error) {
	return svc.store.ListSources(ctx)
}

// GetSource returns one source.
func (svc *Service) GetSource(ctx context.Context, identifier string) (*Source, error) {
	src, err := svc.store.GetSource(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source %s", ErrNotFound, identifier)
	}
	return src, nil
}

// GetArticle returns one article.
func (svc *Service) GetArticle(ctx context.Context, id int64) (*Article, error) {
	a, err := svc.store.GetArticle(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: article %d", ErrNotFound, id)
	}
	return a, nil
}

// Search runs a ranked full-text query over stored articles.
func (svc *Service) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	return svc.store.SearchArticles(ctx, query, limit)
}

// TopThreatArticles returns the highest-scoring articles.
func (svc *Service) TopThreatArticles(ctx context.Context, limit int) ([]*Article, error) {
	return svc.store.TopThreatArticles(ctx, limit)
}
