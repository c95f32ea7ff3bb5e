package ingest

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chasse/kit"
)

// RegisterMCP registers the read/trigger tool surface on an MCP server.
// Downstream consumers read articles through these tools; source config
// and scoring stay CLI-only.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerListSources(srv)
	svc.registerSourceHealth(srv)
	svc.registerSearchArticles(srv)
	svc.registerGetArticle(srv)
	svc.registerStats(srv)
	svc.registerCollectNow(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerListSources(srv *mcp.Server) {
	type req struct {
		ActiveOnly bool `json:"active_only"`
	}

	tool := &mcp.Tool{
		Name:        "chasse_list_sources",
		Description: "List configured intelligence sources with their scheduling state",
		InputSchema: inputSchema(map[string]any{
			"active_only": map[string]any{"type": "boolean", "description": "Only return active sources"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		sources, err := svc.ListSources(ctx)
		if err != nil {
			return nil, err
		}
		if !p.ActiveOnly {
			return sources, nil
		}
		var out []*Source
		for _, src := range sources {
			if src.Active {
				out = append(out, src)
			}
		}
		return out, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerSourceHealth(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
	}

	tool := &mcp.Tool{
		Name:        "chasse_source_health",
		Description: "Health, failure streak and last-check state for one source",
		InputSchema: inputSchema(map[string]any{
			"source_id": map[string]any{"type": "string", "description": "Source identifier"},
		}, []string{"source_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		src, err := svc.GetSource(ctx, p.SourceID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"identifier":           src.Identifier,
			"health":               src.Health,
			"active":               src.Active,
			"consecutive_failures": src.ConsecutiveFailures,
			"last_checked_at":      src.LastCheckedAt,
			"last_success_at":      src.LastSuccessAt,
			"next_run_at":          src.NextRunAt,
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerSearchArticles(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "chasse_search_articles",
		Description: "Full-text search over ingested articles, ranked by relevance",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search terms"},
			"limit": map[string]any{"type": "integer", "description": "Max results (default 20)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Search(ctx, p.Query, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerGetArticle(srv *mcp.Server) {
	type req struct {
		ArticleID int64 `json:"article_id"`
	}

	tool := &mcp.Tool{
		Name:        "chasse_get_article",
		Description: "Fetch one ingested article by id, with scores and metadata",
		InputSchema: inputSchema(map[string]any{
			"article_id": map[string]any{"type": "integer", "description": "Article id"},
		}, []string{"article_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.GetArticle(ctx, p.ArticleID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "chasse_stats",
		Description: "Pipeline counters: sources, articles, dedup, checks, per-source breakdown",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Stats(ctx)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerCollectNow(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
		Force    bool   `json:"force"`
	}

	tool := &mcp.Tool{
		Name:        "chasse_collect_now",
		Description: "Run one collection cycle for a source immediately",
		InputSchema: inputSchema(map[string]any{
			"source_id": map[string]any{"type": "string", "description": "Source identifier"},
			"force":     map[string]any{"type": "boolean", "description": "Ignore conditional request validators"},
		}, []string{"source_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.CheckSource(ctx, p.SourceID, CheckOptions{Force: p.Force})
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

// decodeInto unmarshals tool arguments into a typed request.
func decodeInto[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}
