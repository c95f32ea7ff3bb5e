// Package scrape extracts articles from modern pages using their own
// structured data: JSON-LD first, then OpenGraph, microdata, and finally
// per-source CSS selector hints. It never guesses at page structure; that
// is the legacy heuristic tier's job.
package scrape

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoArticle is returned when no extraction strategy yields a title and
// body.
var ErrNoArticle = errors.New("scrape: no article structure found")

// Article is the raw extraction result. Exactly one of BodyHTML/BodyText is
// usually set: structured data carries plain text, DOM selection carries
// HTML for the cleaner.
type Article struct {
	Title     string
	BodyHTML  string
	BodyText  string
	Author    string
	Published time.Time
	Method    string // jsonld, opengraph, microdata, selectors
}

// HasBody reports whether any body content was extracted.
func (a *Article) HasBody() bool {
	return a != nil && (a.BodyHTML != "" || a.BodyText != "")
}

// Hints are per-source extraction overrides from the source config. Each
// selector list is tried in order; entries may use the form
// "selector::attr(name)" to read an attribute instead of text.
type Hints struct {
	PreferJSONLD    bool
	TitleSelectors  []string
	DateSelectors   []string
	BodySelectors   []string
	AuthorSelectors []string
}

// Extract pulls an article out of page HTML. The strategies run in a fixed
// order and the first one producing both a title and a body wins; metadata
// (date, author) missing from the winner is filled from the others.
func Extract(pageHTML []byte, hints Hints) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pageHTML))
	if err != nil {
		return nil, errors.Join(ErrNoArticle, err)
	}

	ld := fromJSONLD(doc)
	og := fromOpenGraph(doc)
	micro := fromMicrodata(doc)

	// DOM body shared by the OpenGraph and selector strategies.
	domBody := bodyFromDOM(doc, hints.BodySelectors)

	candidates := make([]*Article, 0, 4)
	if ld != nil && ld.BodyText != "" {
		candidates = append(candidates, ld)
	}
	if og != nil {
		og.BodyHTML = domBody
		candidates = append(candidates, og)
	}
	if micro != nil {
		candidates = append(candidates, micro)
	}
	if sel := fromSelectors(doc, hints); sel != nil {
		candidates = append(candidates, sel)
	}
	// A headline-only JSON-LD block can still anchor the DOM body.
	if ld != nil && ld.BodyText == "" && domBody != "" {
		ld.BodyHTML = domBody
		candidates = append(candidates, ld)
	}

	for _, c := range candidates {
		if c.Title == "" || !c.HasBody() {
			continue
		}
		fillMeta(c, ld, og, micro)
		return c, nil
	}
	return nil, ErrNoArticle
}

// fillMeta copies a missing date or author into the winner from the other
// strategies, most trustworthy first.
func fillMeta(dst *Article, others ...*Article) {
	for _, o := range others {
		if o == nil || o == dst {
			continue
		}
		if dst.Published.IsZero() && !o.Published.IsZero() {
			dst.Published = o.Published
		}
		if dst.Author == "" && o.Author != "" {
			dst.Author = o.Author
		}
	}
}

// fromOpenGraph reads og:* and article:* meta tags. Body selection is left
// to the caller: OpenGraph describes the page, not its content.
func fromOpenGraph(doc *goquery.Document) *Article {
	title := metaContent(doc, `meta[property="og:title"]`)
	if title == "" {
		return nil
	}
	return &Article{
		Title:     title,
		Author:    metaContent(doc, `meta[property="article:author"]`, `meta[name="author"]`),
		Published: ParseDate(metaContent(doc, `meta[property="article:published_time"]`, `meta[property="og:article:published_time"]`)),
		Method:    "opengraph",
	}
}

// fromMicrodata reads schema.org microdata attributes.
func fromMicrodata(doc *goquery.Document) *Article {
	title := strings.TrimSpace(doc.Find(`[itemprop="headline"]`).First().Text())
	if title == "" {
		return nil
	}
	a := &Article{Title: title, Method: "microdata"}
	if body := doc.Find(`[itemprop="articleBody"]`).First(); body.Length() > 0 {
		if h, err := body.Html(); err == nil {
			a.BodyHTML = strings.TrimSpace(h)
		}
	}
	date := doc.Find(`[itemprop="datePublished"]`).First()
	if v, ok := date.Attr("datetime"); ok {
		a.Published = ParseDate(v)
	} else if v, ok := date.Attr("content"); ok {
		a.Published = ParseDate(v)
	} else {
		a.Published = ParseDate(date.Text())
	}
	a.Author = strings.TrimSpace(doc.Find(`[itemprop="author"] [itemprop="name"]`).First().Text())
	if a.Author == "" {
		a.Author = strings.TrimSpace(doc.Find(`[itemprop="author"]`).First().Text())
	}
	return a
}

// fromSelectors applies the per-source CSS hints.
func fromSelectors(doc *goquery.Document, hints Hints) *Article {
	title := selectValue(doc, hints.TitleSelectors)
	body := bodyFromDOM(doc, hints.BodySelectors)
	if title == "" || body == "" {
		return nil
	}
	return &Article{
		Title:     title,
		BodyHTML:  body,
		Author:    selectValue(doc, hints.AuthorSelectors),
		Published: ParseDate(selectValue(doc, hints.DateSelectors)),
		Method:    "selectors",
	}
}

// bodyFromDOM returns the inner HTML of the first matching body container:
// the per-source selectors first, then the semantic defaults.
func bodyFromDOM(doc *goquery.Document, selectors []string) string {
	tries := append([]string{}, selectors...)
	tries = append(tries, "article", "main", `[role="main"]`, ".post-content", ".entry-content", ".article-content")
	for _, s := range tries {
		sel, _ := splitAttrSelector(s)
		if sel == "" {
			continue
		}
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		h, err := node.Html()
		if err != nil || strings.TrimSpace(h) == "" {
			continue
		}
		return strings.TrimSpace(h)
	}
	return ""
}

// selectValue tries each selector and returns the first non-empty text or
// attribute value.
func selectValue(doc *goquery.Document, selectors []string) string {
	for _, s := range selectors {
		sel, attr := splitAttrSelector(s)
		if sel == "" {
			continue
		}
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		var v string
		if attr != "" {
			v, _ = node.Attr(attr)
		} else {
			v = node.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// metaContent returns the trimmed content attribute of the first matching
// meta tag among the given selectors.
func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, s := range selectors {
		v, ok := doc.Find(s).First().Attr("content")
		if !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// splitAttrSelector splits "h1.title::attr(data-title)" into the CSS
// selector and the attribute name; attr is "" for plain selectors.
func splitAttrSelector(s string) (sel, attr string) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, "::attr(")
	if i < 0 {
		return s, ""
	}
	rest := s[i+len("::attr("):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return s[:i], ""
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(rest[:j])
}
