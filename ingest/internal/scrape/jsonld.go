package scrape

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// articleTypes are the schema.org types treated as articles.
var articleTypes = map[string]bool{
	"Article":        true,
	"NewsArticle":    true,
	"BlogPosting":    true,
	"TechArticle":    true,
	"Report":         true,
	"ScholarlyArticle": true,
}

// fromJSONLD scans every <script type="application/ld+json"> block for an
// article object, including ones nested in @graph. Publishers routinely
// ship several blocks (site, breadcrumbs, article); the first article-typed
// object with a headline wins.
func fromJSONLD(doc *goquery.Document) *Article {
	var found *Article
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
			return true // malformed block; keep scanning
		}
		for _, obj := range flattenJSONLD(raw) {
			if a := articleFromObject(obj); a != nil {
				found = a
				return false
			}
		}
		return true
	})
	return found
}

// flattenJSONLD expands top-level arrays and @graph containers into a flat
// object list.
func flattenJSONLD(raw any) []map[string]any {
	var out []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flattenJSONLD(item)...)
		}
	case map[string]any:
		out = append(out, v)
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				out = append(out, flattenJSONLD(item)...)
			}
		}
	}
	return out
}

func articleFromObject(obj map[string]any) *Article {
	if !isArticleType(obj["@type"]) {
		return nil
	}
	title := strings.TrimSpace(jsonString(obj["headline"]))
	if title == "" {
		title = strings.TrimSpace(jsonString(obj["name"]))
	}
	if title == "" {
		return nil
	}

	a := &Article{
		Title:  title,
		Method: "jsonld",
	}
	a.BodyText = strings.TrimSpace(jsonString(obj["articleBody"]))
	a.Published = ParseDate(jsonString(obj["datePublished"]))
	a.Author = authorName(obj["author"])
	if a.BodyText == "" {
		// Headline-only JSON-LD still anchors title/date/author; the body
		// comes from the DOM fallbacks.
		a.Method = "jsonld-meta"
	}
	return a
}

func isArticleType(v any) bool {
	switch t := v.(type) {
	case string:
		return articleTypes[t]
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && articleTypes[s] {
				return true
			}
		}
	}
	return false
}

// authorName handles the three shapes "author" takes in the wild: a plain
// string, a Person object, or an array of either.
func authorName(v any) string {
	switch a := v.(type) {
	case string:
		return strings.TrimSpace(a)
	case map[string]any:
		return strings.TrimSpace(jsonString(a["name"]))
	case []any:
		for _, item := range a {
			if name := authorName(item); name != "" {
				return name
			}
		}
	}
	return ""
}

func jsonString(v any) string {
	s, _ := v.(string)
	return s
}
