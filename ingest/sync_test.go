package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{
		DatabaseURL: filepath.Join(t.TempDir(), "chasse.db"),
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

const sourcesYAML = `
sources:
  - identifier: unit42
    name: Palo Alto Unit 42
    url: https://unit42.paloaltonetworks.com/
    rss_url: https://unit42.paloaltonetworks.com/feed/
    weight: 2.0
    check_frequency: 900
    categories: [vendor, research]
  - identifier: dfir-report
    name: The DFIR Report
    url: https://thedfirreport.com/
    discovery:
      listing_urls: [https://thedfirreport.com/]
      post_link_selector: "article h2 a"
      max_pages: 2
    scope:
      post_url_regex: "/\\d{4}/\\d{2}/"
  - identifier: old-cert
    name: Legacy CERT page
    url: https://cert.example.org/advisories.html
    extract:
      title_selectors: ["h1.title"]
      body_selectors: ["div.advisory-body"]
`

func TestParseSourceConfigs(t *testing.T) {
	configs, err := ParseSourceConfigs([]byte(sourcesYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 3 {
		t.Fatalf("parsed %d sources", len(configs))
	}

	// Tier resolution: rss wins, then discovery, then legacy.
	if got := configs[0].tier(); got != 1 {
		t.Errorf("unit42 tier = %d, want 1", got)
	}
	if got := configs[1].tier(); got != 2 {
		t.Errorf("dfir-report tier = %d, want 2", got)
	}
	if got := configs[2].tier(); got != 3 {
		t.Errorf("old-cert tier = %d, want 3", got)
	}

	src := configs[0].toSource()
	if src.Weight != 2.0 || src.CheckFrequency != 15*time.Minute || !src.Active {
		t.Errorf("unit42 = %+v", src)
	}
	if configs[1].Discovery.PostLinkSelector != "article h2 a" {
		t.Errorf("selector = %q", configs[1].Discovery.PostLinkSelector)
	}
}

func TestParseSourceConfigsRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty document", `sources: []`},
		{"missing name", "sources:\n  - identifier: a\n    url: https://a.example.com/"},
		{"bad scheme", "sources:\n  - identifier: a\n    name: A\n    url: ftp://a.example.com/"},
		{"bad regex", "sources:\n  - identifier: a\n    name: A\n    url: https://a.example.com/\n    scope:\n      post_url_regex: \"([\""},
		{"duplicate identifier", "sources:\n  - identifier: a\n    name: A\n    url: https://a.example.com/\n  - identifier: a\n    name: B\n    url: https://b.example.com/"},
		{"unknown key", "sources:\n  - identifier: a\n    name: A\n    url: https://a.example.com/\n    shceme: rss"},
		{"bad identifier", "sources:\n  - identifier: \"a b\"\n    name: A\n    url: https://a.example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSourceConfigs([]byte(tc.doc))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestApplySourceConfigs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	configs, err := ParseSourceConfigs([]byte(sourcesYAML))
	if err != nil {
		t.Fatal(err)
	}

	diff, err := svc.ApplySourceConfigs(ctx, configs, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 3 || len(diff.Updated) != 0 {
		t.Fatalf("first sync diff = %+v", diff)
	}

	// A second sync of the same document changes nothing.
	diff, err = svc.ApplySourceConfigs(ctx, configs, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff.Changed() {
		t.Fatalf("re-sync diff = %+v, want unchanged", diff)
	}
	if len(diff.Unchanged) != 3 {
		t.Fatalf("unchanged = %v", diff.Unchanged)
	}

	// A config edit shows up as an update and lands in the store.
	configs[0].Weight = 3.0
	diff, err = svc.ApplySourceConfigs(ctx, configs, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Updated) != 1 || diff.Updated[0] != "unit42" {
		t.Fatalf("diff = %+v", diff)
	}
	src, err := svc.GetSource(ctx, "unit42")
	if err != nil {
		t.Fatal(err)
	}
	if src.Weight != 3.0 {
		t.Errorf("weight = %v after update", src.Weight)
	}

	// Dropping a source from the document deactivates it by default.
	diff, err = svc.ApplySourceConfigs(ctx, configs[:2], SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Deactivated) != 1 || diff.Deactivated[0] != "old-cert" {
		t.Fatalf("diff = %+v", diff)
	}
	src, _ = svc.GetSource(ctx, "old-cert")
	if src.Active {
		t.Error("old-cert still active after sync")
	}

	// Remove deletes it outright.
	diff, err = svc.ApplySourceConfigs(ctx, configs[:2], SyncOptions{Remove: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "old-cert" {
		t.Fatalf("diff = %+v", diff)
	}
	if _, err := svc.GetSource(ctx, "old-cert"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old-cert lookup = %v, want ErrNotFound", err)
	}
}

func TestApplySourceConfigsDryRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	configs, err := ParseSourceConfigs([]byte(sourcesYAML))
	if err != nil {
		t.Fatal(err)
	}

	diff, err := svc.ApplySourceConfigs(ctx, configs, SyncOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 3 {
		t.Fatalf("dry-run diff = %+v", diff)
	}
	sources, err := svc.ListSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 0 {
		t.Fatalf("dry-run wrote %d sources", len(sources))
	}
}

func TestSyncPreservesFetchState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	configs, err := ParseSourceConfigs([]byte(sourcesYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ApplySourceConfigs(ctx, configs, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Simulate accumulated fetch state, then re-sync with a config change.
	nextRun := time.Now().Add(time.Hour)
	if err := svc.store.RecordCheckSuccess(ctx, "unit42", `"etag-1"`, "", nextRun); err != nil {
		t.Fatal(err)
	}
	configs[0].Name = "Unit 42 Research"
	if _, err := svc.ApplySourceConfigs(ctx, configs, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	src, err := svc.GetSource(ctx, "unit42")
	if err != nil {
		t.Fatal(err)
	}
	if src.Name != "Unit 42 Research" {
		t.Errorf("name = %q", src.Name)
	}
	if src.LastETag != `"etag-1"` {
		t.Errorf("etag lost on sync: %q", src.LastETag)
	}
	if src.LastSuccessAt.IsZero() || src.NextRunAt.IsZero() {
		t.Error("fetch timestamps lost on sync")
	}
}
