package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/chasse/dbopen"
	"github.com/hazyhaar/chasse/ingest/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(dbopen.OpenMemory(t))
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func testSource(id string) *store.Source {
	return &store.Source{
		Identifier:     id,
		Name:           "Test " + id,
		URL:            "https://" + id + ".example.com",
		RSSURL:         "https://" + id + ".example.com/feed",
		Tier:           1,
		Active:         true,
		Weight:         1.0,
		CheckFrequency: 30 * time.Minute,
		RatePerMinute:  30,
		Timeout:        30 * time.Second,
	}
}

func testArticle(sourceID, url, hash string, sim uint64) *store.Article {
	return &store.Article{
		SourceID:     sourceID,
		CanonicalURL: url,
		OriginalURL:  url,
		Title:        "Detecting rundll32 abuse in the wild",
		Content:      "Hunters should watch ProcessCommandLine for rundll32 spawning from office apps.",
		DiscoveredAt: time.Now().UTC(),
		ContentHash:  hash,
		SimHash:      sim,
	}
}

func TestUpsertSourcePreservesState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	src := testSource("vendor-blog")
	if err := s.UpsertSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordCheckFailure(ctx, "vendor-blog", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Config re-sync must not reset the failure streak or validators.
	src.Name = "Renamed"
	src.Weight = 2.0
	if err := s.UpsertSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSource(ctx, "vendor-blog")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Renamed" || got.Weight != 2.0 {
		t.Fatalf("config fields not updated: %+v", got)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("got failures %d, want 1 preserved across upsert", got.ConsecutiveFailures)
	}
}

func TestGetSourceAbsent(t *testing.T) {
	s := openStore(t)
	got, err := s.GetSource(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent source, got %+v", got)
	}
}

func TestInsertArticleDuplicates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertSource(ctx, testSource("src-a")); err != nil {
		t.Fatal(err)
	}

	a := testArticle("src-a", "https://src-a.example.com/post-1", "hash-1", 0xdeadbeef)
	if err := s.InsertArticle(ctx, a); err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 {
		t.Fatal("expected populated ID after insert")
	}

	// Same canonical URL for the same source.
	dup := testArticle("src-a", "https://src-a.example.com/post-1", "hash-other", 1)
	if err := s.InsertArticle(ctx, dup); !errors.Is(err, store.ErrDuplicateURL) {
		t.Fatalf("got %v, want ErrDuplicateURL", err)
	}

	// Different URL, same content hash.
	dup2 := testArticle("src-a", "https://src-a.example.com/post-1-amp", "hash-1", 2)
	err := s.InsertArticle(ctx, dup2)
	if !errors.Is(err, store.ErrDuplicateHash) && !errors.Is(err, store.ErrDuplicateURL) {
		t.Fatalf("got %v, want a duplicate sentinel", err)
	}
}

func TestContentHashGlobalAcrossSources(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))
	s.UpsertSource(ctx, testSource("src-b"))

	a := testArticle("src-a", "https://src-a.example.com/p", "shared-hash", 7)
	if err := s.InsertArticle(ctx, a); err != nil {
		t.Fatal(err)
	}

	// The hash table spans sources: a syndicated copy on src-b is a dup.
	id, ok, err := s.LookupContentHash(ctx, "shared-hash")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != a.ID {
		t.Fatalf("got (%d, %v), want (%d, true)", id, ok, a.ID)
	}

	b := testArticle("src-b", "https://src-b.example.com/p", "shared-hash", 7)
	if err := s.InsertArticle(ctx, b); !errors.Is(err, store.ErrDuplicateHash) {
		t.Fatalf("got %v, want ErrDuplicateHash", err)
	}
}

func TestNearCandidatesBandRecall(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))

	base := uint64(0x1111_2222_3333_4444)
	a := testArticle("src-a", "https://src-a.example.com/orig", "h-orig", base)
	a.DiscoveredAt = time.Now().Add(-time.Hour).UTC()
	if err := s.InsertArticle(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Three flipped bits all land in the low band, so the other three bands
	// still match and the index must surface the original.
	near := base ^ 0x7
	got, err := s.NearCandidates(ctx, near)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ArticleID != a.ID {
		t.Fatalf("got %+v, want the original article", got)
	}
	if got[0].SimHash != base {
		t.Fatalf("got simhash %#x, want %#x", got[0].SimHash, base)
	}

	// A hash differing in every band shares nothing.
	far := ^base
	got, err = s.NearCandidates(ctx, far)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestNearCandidatesOldestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))

	old := testArticle("src-a", "https://src-a.example.com/old", "h-old", 0xabcd)
	old.DiscoveredAt = time.Now().Add(-48 * time.Hour).UTC()
	newer := testArticle("src-a", "https://src-a.example.com/new", "h-new", 0xabcd^0x3)
	newer.DiscoveredAt = time.Now().UTC()
	if err := s.InsertArticle(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertArticle(ctx, newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.NearCandidates(ctx, 0xabcd^0x1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ArticleID != old.ID {
		t.Fatal("expected the oldest candidate first; oldest wins canonical selection")
	}
}

func TestLeaseExclusivity(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.AcquireLease(ctx, "src-a", "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireLease(ctx, "src-a", "worker-2"); !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("got %v, want ErrLeaseHeld", err)
	}
	// Re-acquiring one's own lease refreshes it.
	if err := s.AcquireLease(ctx, "src-a", "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseLease(ctx, "src-a", "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireLease(ctx, "src-a", "worker-2"); err != nil {
		t.Fatalf("lease should be free after release: %v", err)
	}
}

func TestLeaseExpiredTakeover(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	if err := s.AcquireLease(ctx, "src-a", "worker-1"); err != nil {
		t.Fatal(err)
	}

	// Past the TTL the claim counts as abandoned and a new worker takes it.
	s.SetClock(func() time.Time { return base.Add(store.LeaseTTL + time.Second) })
	if err := s.AcquireLease(ctx, "src-a", "worker-2"); err != nil {
		t.Fatalf("expected takeover of expired lease, got %v", err)
	}

	// And the sweep clears other stragglers.
	if err := s.AcquireLease(ctx, "src-b", "worker-1"); err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return base.Add(3 * store.LeaseTTL) })
	n, err := s.SweepLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept %d leases, want 2", n)
	}
}

func TestHealthThresholds(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("flaky"))
	next := time.Now().Add(time.Hour)

	for i := 1; i <= store.DisabledAutoAfter; i++ {
		n, err := s.RecordCheckFailure(ctx, "flaky", next)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("got streak %d, want %d", n, i)
		}
		src, err := s.GetSource(ctx, "flaky")
		if err != nil {
			t.Fatal(err)
		}
		want := store.HealthFor(i)
		if src.Health != want {
			t.Fatalf("after %d failures got health %q, want %q", i, src.Health, want)
		}
	}

	// A success resets everything.
	if err := s.RecordCheckSuccess(ctx, "flaky", `W/"abc"`, "", next); err != nil {
		t.Fatal(err)
	}
	src, _ := s.GetSource(ctx, "flaky")
	if src.Health != store.HealthHealthy || src.ConsecutiveFailures != 0 {
		t.Fatalf("success did not reset health: %+v", src)
	}
	if src.LastETag != `W/"abc"` {
		t.Fatalf("got etag %q", src.LastETag)
	}
}

func TestRecordCheckSuccessKeepsValidators(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))
	next := time.Now().Add(time.Hour)

	if err := s.RecordCheckSuccess(ctx, "src-a", `"v1"`, "Mon, 02 Jan 2006 15:04:05 GMT", next); err != nil {
		t.Fatal(err)
	}
	// A 304 response carries no validators; the stored ones must survive.
	if err := s.RecordCheckSuccess(ctx, "src-a", "", "", next); err != nil {
		t.Fatal(err)
	}
	src, _ := s.GetSource(ctx, "src-a")
	if src.LastETag != `"v1"` || src.LastModified == "" {
		t.Fatalf("validators lost on empty update: %+v", src)
	}
}

func TestDueSources(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	due := testSource("due")
	due.Weight = 1.0
	heavy := testSource("heavy")
	heavy.Weight = 3.0
	inactive := testSource("inactive")
	inactive.Active = false
	for _, src := range []*store.Source{due, heavy, inactive} {
		if err := s.UpsertSource(ctx, src); err != nil {
			t.Fatal(err)
		}
	}
	// next_run_at defaults to 0, so everything active is immediately due.
	disabled := testSource("disabled")
	s.UpsertSource(ctx, disabled)
	for i := 0; i < store.DisabledAutoAfter; i++ {
		s.RecordCheckFailure(ctx, "disabled", now.Add(-time.Minute))
	}

	got, err := s.DueSources(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d due sources, want 2 (inactive and disabled_auto excluded)", len(got))
	}
	if got[0].Identifier != "heavy" {
		t.Fatalf("got %q first, want heavy (higher weight)", got[0].Identifier)
	}
}

func TestPruneChecks(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	old := &store.Check{ID: "c-old", SourceID: "src-a",
		StartedAt: base.Add(-100 * 24 * time.Hour), FinishedAt: base.Add(-100 * 24 * time.Hour)}
	fresh := &store.Check{ID: "c-new", SourceID: "src-a",
		StartedAt: base.Add(-time.Hour), FinishedAt: base, HTTPStatus: 200}
	if err := s.InsertCheck(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCheck(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneChecks(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	checks, err := s.RecentChecks(ctx, "src-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].ID != "c-new" {
		t.Fatalf("got %+v, want only c-new", checks)
	}
}

func TestSeenAndDeactivateURL(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seen, err := s.SeenURL(ctx, "src-a", "https://src-a.example.com/p")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("fresh URL should not be seen")
	}

	if err := s.TouchURL(ctx, "src-a", "https://src-a.example.com/p"); err != nil {
		t.Fatal(err)
	}
	seen, _ = s.SeenURL(ctx, "src-a", "https://src-a.example.com/p")
	if !seen {
		t.Fatal("touched URL should be seen")
	}

	// A 404'd URL stays seen so discovery never refetches it.
	if err := s.DeactivateURL(ctx, "src-a", "https://src-a.example.com/gone"); err != nil {
		t.Fatal(err)
	}
	seen, _ = s.SeenURL(ctx, "src-a", "https://src-a.example.com/gone")
	if !seen {
		t.Fatal("deactivated URL should still count as seen")
	}
	track, err := s.GetURLTrack(ctx, "src-a", "https://src-a.example.com/gone")
	if err != nil {
		t.Fatal(err)
	}
	if track.Active {
		t.Fatal("expected inactive tracking row")
	}
}

func TestSearchArticles(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))

	a := testArticle("src-a", "https://src-a.example.com/hunt", "h-1", 1)
	a.Title = "Hunting Cobalt Strike beacons"
	a.Content = "Beacon traffic shows characteristic jitter and named pipe patterns."
	b := testArticle("src-a", "https://src-a.example.com/patch", "h-2", 2)
	b.Title = "Patch Tuesday roundup"
	b.Content = "Vendor released fixes for twelve vulnerabilities this month."
	for _, art := range []*store.Article{a, b} {
		if err := s.InsertArticle(ctx, art); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchArticles(ctx, "cobalt strike", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Article.ID != a.ID {
		t.Fatalf("got %d hits, want the beacon article", len(hits))
	}

	// Raw FTS syntax in user input must not be interpreted.
	if _, err := s.SearchArticles(ctx, `beacon" OR "`, 10); err != nil {
		t.Fatalf("quoted query should not error: %v", err)
	}
}

func TestUpdateScoresAndFTSSync(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))

	a := testArticle("src-a", "https://src-a.example.com/p", "h-1", 1)
	if err := s.InsertArticle(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateScores(ctx, a.ID, 0.75, 85, `{"rescored":true}`); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetArticle(ctx, a.ID)
	if got.QualityScore != 0.75 || got.ThreatHuntingScore != 85 {
		t.Fatalf("scores not updated: %+v", got)
	}
}

func TestGlobalStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, testSource("src-a"))

	a := testArticle("src-a", "https://src-a.example.com/p", "h-1", 1)
	a.ThreatHuntingScore = 90
	a.QualityScore = 0.8
	if err := s.InsertArticle(ctx, a); err != nil {
		t.Fatal(err)
	}
	s.InsertCheck(ctx, &store.Check{ID: "c-1", SourceID: "src-a",
		StartedAt: time.Now(), FinishedAt: time.Now(), ErrorKind: "timeout"})

	st, err := s.GlobalStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Sources != 1 || st.Articles != 1 || st.HighThreat != 1 || st.FailedChecks != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	per, err := s.PerSourceStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(per) != 1 || per[0].Articles != 1 || per[0].ChecksFailed != 1 {
		t.Fatalf("unexpected per-source stats: %+v", per)
	}
}
