package scrape

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const jsonldPage = `<!DOCTYPE html>
<html><head>
<title>Site | Post</title>
<script type="application/ld+json">
{
  "@context": "https://schema.org",
  "@type": "NewsArticle",
  "headline": "APT Campaign Targets Energy Sector",
  "datePublished": "2026-03-10T09:00:00Z",
  "author": {"@type": "Person", "name": "Jane Analyst"},
  "articleBody": "The intrusion began with a spearphishing email carrying a weaponized archive. The actor then used scheduled tasks for persistence."
}
</script>
</head><body><article><p>visible body</p></article></body></html>`

func TestExtract_JSONLD(t *testing.T) {
	// WHAT: A NewsArticle JSON-LD block wins over everything else.
	a, err := Extract([]byte(jsonldPage), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Method != "jsonld" {
		t.Fatalf("method = %q", a.Method)
	}
	if a.Title != "APT Campaign Targets Energy Sector" {
		t.Errorf("title = %q", a.Title)
	}
	if !strings.Contains(a.BodyText, "spearphishing") {
		t.Errorf("body = %q", a.BodyText)
	}
	if a.Author != "Jane Analyst" {
		t.Errorf("author = %q", a.Author)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !a.Published.Equal(want) {
		t.Errorf("published = %v", a.Published)
	}
}

func TestExtract_JSONLDGraph(t *testing.T) {
	// WHAT: Article objects nested under @graph are found.
	page := `<html><head><script type="application/ld+json">
	{"@context":"https://schema.org","@graph":[
	  {"@type":"WebSite","name":"Blog"},
	  {"@type":"BlogPosting","headline":"Hunting LOLBins","articleBody":"certutil and rundll32 activity stands out in process telemetry."}
	]}</script></head><body></body></html>`
	a, err := Extract([]byte(page), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Title != "Hunting LOLBins" {
		t.Errorf("title = %q", a.Title)
	}
}

func TestExtract_OpenGraphWithArticleBody(t *testing.T) {
	// WHAT: Without JSON-LD, og:title plus the <article> element forms the
	// candidate; article:published_time supplies the date.
	page := `<html><head>
	<meta property="og:title" content="Ransomware Notes From The Field">
	<meta property="article:published_time" content="2026-02-20T12:30:00Z">
	<meta name="author" content="DFIR Team">
	</head><body>
	<nav>menu</nav>
	<article><p>Initial access came through an exposed VPN appliance with no MFA.</p></article>
	</body></html>`
	a, err := Extract([]byte(page), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Method != "opengraph" {
		t.Fatalf("method = %q", a.Method)
	}
	if !strings.Contains(a.BodyHTML, "VPN appliance") {
		t.Errorf("body = %q", a.BodyHTML)
	}
	if a.Author != "DFIR Team" {
		t.Errorf("author = %q", a.Author)
	}
	if a.Published.IsZero() {
		t.Error("published should be parsed")
	}
}

func TestExtract_Microdata(t *testing.T) {
	page := `<html><body>
	<div itemscope itemtype="https://schema.org/Article">
	  <h1 itemprop="headline">Detecting Token Theft</h1>
	  <time itemprop="datePublished" datetime="2026-01-05">Jan 5</time>
	  <span itemprop="author">Blue Team</span>
	  <div itemprop="articleBody"><p>Watch for anomalous OAuth consent grants in audit logs.</p></div>
	</div>
	</body></html>`
	a, err := Extract([]byte(page), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Method != "microdata" {
		t.Fatalf("method = %q", a.Method)
	}
	if !strings.Contains(a.BodyHTML, "OAuth consent") {
		t.Errorf("body = %q", a.BodyHTML)
	}
	if a.Published.IsZero() {
		t.Error("datetime attribute should parse")
	}
}

func TestExtract_SelectorHints(t *testing.T) {
	// WHAT: Per-source CSS hints, including ::attr() syntax, carry sites
	// with no structured data at all.
	page := `<html><body>
	<h1 class="headline" data-full-title="Full: Supply Chain Compromise">Supply Chain Compromise</h1>
	<span class="byline">Research Desk</span>
	<time class="published" datetime="2026-04-01">April 1</time>
	<div class="content-body"><p>The build server was backdoored through a poisoned dependency.</p></div>
	</body></html>`
	a, err := Extract([]byte(page), Hints{
		TitleSelectors:  []string{"h1.headline::attr(data-full-title)"},
		BodySelectors:   []string{"div.content-body"},
		AuthorSelectors: []string{".byline"},
		DateSelectors:   []string{"time.published::attr(datetime)"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Title != "Full: Supply Chain Compromise" {
		t.Errorf("title = %q (attr syntax not honored)", a.Title)
	}
	if a.Author != "Research Desk" {
		t.Errorf("author = %q", a.Author)
	}
	if a.Published.IsZero() {
		t.Error("date hint should parse")
	}
}

func TestExtract_NoArticle(t *testing.T) {
	page := `<html><body><div>just a landing page</div></body></html>`
	if _, err := Extract([]byte(page), Hints{}); err == nil {
		t.Fatal("expected ErrNoArticle")
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		zero bool
	}{
		{"2026-03-10T09:00:00Z", false},
		{"2026-03-10", false},
		{"Mon, 02 Jan 2006 15:04:05 MST", false},
		{"March 10, 2026", false},
		{"not a date", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := ParseDate(tc.in); got.IsZero() != tc.zero {
			t.Errorf("ParseDate(%q) = %v, want zero=%v", tc.in, got, tc.zero)
		}
	}
}

func TestLinks(t *testing.T) {
	// WHAT: Listing pages yield deduplicated absolute post URLs in
	// document order.
	page := `<html><body>
	<article><h2><a href="/blog/post-one">One</a></h2></article>
	<article><h2><a href="/blog/post-two">Two</a></h2></article>
	<article><h2><a href="/blog/post-one">One again</a></h2></article>
	<article><h2><a href="#top">Anchor</a></h2></article>
	</body></html>`
	links, err := Links([]byte(page), "https://blog.example.com/", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://blog.example.com/blog/post-one",
		"https://blog.example.com/blog/post-two",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v", links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestSplitAttrSelector(t *testing.T) {
	sel, attr := splitAttrSelector("meta[name=date]::attr(content)")
	if sel != "meta[name=date]" || attr != "content" {
		t.Errorf("got %q %q", sel, attr)
	}
	sel, attr = splitAttrSelector("h1.title")
	if sel != "h1.title" || attr != "" {
		t.Errorf("got %q %q", sel, attr)
	}
}

func TestMetaContent(t *testing.T) {
	// WHAT: The first selector with a non-empty content attribute wins;
	// empty and missing tags fall through.
	page := `<html><head>
	<meta property="og:title" content="">
	<meta name="author" content=" DFIR Team ">
	</head><body></body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	got := metaContent(doc, `meta[property="og:title"]`, `meta[name="author"]`)
	if got != "DFIR Team" {
		t.Errorf("got %q", got)
	}
	if v := metaContent(doc, `meta[property="article:author"]`); v != "" {
		t.Errorf("missing tag should yield empty, got %q", v)
	}
}
