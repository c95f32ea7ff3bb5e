package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "chasse-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if result.IsError {
		var parts []string
		for _, c := range result.Content {
			if tc, ok := c.(*mcp.TextContent); ok {
				parts = append(parts, tc.Text)
			}
		}
		t.Fatalf("%s returned tool error: %s", name, strings.Join(parts, " "))
	}
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatalf("%s returned no text content", name)
	return ""
}

func TestMCPListSourcesAndHealth(t *testing.T) {
	svc := newTestService(t)
	seedArticle(t, svc, 1, "Campaign report with staging details",
		"Long-haul campaign details with rundll32 abuse and staging directories.")
	session := mcpSession(t, svc)

	out := mcpCallTool(t, session, "chasse_list_sources", map[string]any{})
	var sources []map[string]any
	if err := json.Unmarshal([]byte(out), &sources); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("listed %d sources", len(sources))
	}

	out = mcpCallTool(t, session, "chasse_source_health", map[string]any{
		"source_id": "seed-src",
	})
	var health map[string]any
	if err := json.Unmarshal([]byte(out), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["health"] != "healthy" {
		t.Errorf("health = %v", health["health"])
	}
}

func TestMCPSearchAndGetArticle(t *testing.T) {
	svc := newTestService(t)
	a := seedArticle(t, svc, 1, "Credential theft with mimikatz variants",
		"The actor deploys mimikatz through a renamed binary and dumps LSASS memory.")
	session := mcpSession(t, svc)

	out := mcpCallTool(t, session, "chasse_search_articles", map[string]any{
		"query": "mimikatz",
	})
	var results []map[string]any
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("search returned %d results", len(results))
	}

	out = mcpCallTool(t, session, "chasse_get_article", map[string]any{
		"article_id": a.ID,
	})
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["Title"] != a.Title {
		t.Errorf("title = %v", got["Title"])
	}
}

func TestMCPStats(t *testing.T) {
	svc := newTestService(t)
	seedArticle(t, svc, 1, "Advisory covering loader activity",
		"Writeup of loader activity with registry persistence under HKLM keys.")
	session := mcpSession(t, svc)

	out := mcpCallTool(t, session, "chasse_stats", nil)
	var stats map[string]any
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["articles"].(float64) != 1 {
		t.Errorf("articles = %v", stats["articles"])
	}
}

func TestMCPErrorsAreToolErrors(t *testing.T) {
	svc := newTestService(t)
	session := mcpSession(t, svc)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "chasse_source_health",
		Arguments: map[string]any{"source_id": "nope"},
	})
	if err != nil {
		t.Fatalf("protocol error: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing source should surface as a tool error")
	}
}
