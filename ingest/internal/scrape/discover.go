package scrape

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Links extracts candidate post URLs from a listing page. selector picks
// the anchors ("" falls back to article/h2/h3 links, the shapes blog
// indexes use); href values resolve against baseURL. Order follows the
// document, duplicates removed.
func Links(pageHTML []byte, baseURL, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pageHTML))
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(baseURL)

	if selector == "" {
		selector = "article a[href], h2 a[href], h3 a[href], .post a[href], .post-title a[href]"
	}

	seen := make(map[string]bool)
	var out []string
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		if seen[href] {
			return
		}
		seen[href] = true
		out = append(out, href)
	})
	return out, nil
}
