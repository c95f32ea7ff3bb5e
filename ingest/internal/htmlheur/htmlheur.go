// Package htmlheur is the last-resort extraction tier for pages with no
// feed and no structured data: pure DOM heuristics. The title comes from
// <title> minus the site suffix, the body from the densest paragraph-heavy
// subtree, and the date from a regex sweep near the top of the document.
package htmlheur

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoContent is returned when no subtree passes the density heuristics.
var ErrNoContent = errors.New("htmlheur: no content subtree found")

// navLinkDensity is the link-to-text ratio above which a subtree is
// treated as navigation and skipped.
const navLinkDensity = 0.4

// minSubtreeText is the minimum text length for a subtree to be a body
// candidate.
const minSubtreeText = 200

// Result is a heuristic extraction.
type Result struct {
	Title     string
	BodyHTML  string
	Published time.Time // zero when no date pattern matched
}

// Extract applies the heuristics to page HTML.
func Extract(pageHTML []byte) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(pageHTML))
	if err != nil {
		return nil, errors.Join(ErrNoContent, err)
	}

	res := &Result{
		Title:     TrimSiteSuffix(documentTitle(doc)),
		Published: sweepDate(pageHTML),
	}

	best := densestSubtree(doc)
	if best == nil {
		return nil, ErrNoContent
	}
	res.BodyHTML = renderNode(best)
	if strings.TrimSpace(res.BodyHTML) == "" {
		return nil, ErrNoContent
	}
	return res, nil
}

// TrimSiteSuffix strips the trailing site name from a document title:
// "Post Title | Vendor Blog" → "Post Title". The longest segment wins, on
// the assumption that site names are shorter than headlines.
func TrimSiteSuffix(title string) string {
	title = strings.TrimSpace(title)
	for _, sep := range []string{" | ", " — ", " – ", " - "} {
		if !strings.Contains(title, sep) {
			continue
		}
		parts := strings.Split(title, sep)
		best := parts[0]
		for _, p := range parts[1:] {
			if len(strings.TrimSpace(p)) > len(strings.TrimSpace(best)) {
				best = p
			}
		}
		return strings.TrimSpace(best)
	}
	return title
}

// densestSubtree returns the container with the best text-to-markup
// density among paragraph-bearing subtrees. Density punishes containers
// that still wrap chrome; link density above navLinkDensity disqualifies
// navigation outright.
func densestSubtree(doc *html.Node) *html.Node {
	type candidate struct {
		node  *html.Node
		score float64
	}
	var best *candidate

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isBoilerplate(n) {
				return
			}
			if isContainer(n.DataAtom) {
				text := collectText(n)
				if len(text) >= minSubtreeText && countTag(n, atom.P) > 0 {
					linkDens := float64(len(collectLinkText(n))) / float64(len(text))
					if linkDens <= navLinkDensity {
						markup := len(renderNode(n))
						if markup == 0 {
							markup = 1
						}
						density := float64(len(text)) / float64(markup)
						score := density * logScale(len(text)) * (1 - linkDens)
						if best == nil || score > best.score {
							best = &candidate{node: n, score: score}
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if best == nil {
		return nil
	}
	return best.node
}

// logScale dampens raw text length so a huge low-density container cannot
// outscore a tight article div.
func logScale(n int) float64 {
	scale := 1.0
	for n > 100 {
		scale++
		n /= 2
	}
	return scale
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Article, atom.Main, atom.Section, atom.Div, atom.Body, atom.Td:
		return true
	}
	return false
}

// isBoilerplate flags navigation, headers, footers, sidebars, and nodes
// whose id/class names announce chrome.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Header, atom.Footer, atom.Aside, atom.Form,
		atom.Script, atom.Style, atom.Noscript, atom.Iframe:
		return true
	}
	for _, attr := range n.Attr {
		if attr.Key != "id" && attr.Key != "class" {
			continue
		}
		v := strings.ToLower(attr.Val)
		for _, marker := range []string{"sidebar", "nav", "menu", "footer", "header", "comment", "related", "share", "social", "cookie", "banner"} {
			if strings.Contains(v, marker) {
				return true
			}
		}
	}
	return false
}

func countTag(n *html.Node, a atom.Atom) int {
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return count
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// collectLinkText gathers only text inside <a> elements, the numerator of
// the link-density ratio.
func collectLinkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return sb.String()
}

func documentTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = collectText(n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

var (
	isoDateRe = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?)?`)
	monDateRe = regexp.MustCompile(`\b(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})`)
)

// dateSweepWindow bounds how far into the document the date sweep looks.
// Publication dates live in the header region; matching deeper picks up
// dates quoted in body text.
const dateSweepWindow = 8 * 1024

// sweepDate scans the head of the raw HTML for an ISO 8601 or
// "Mon DD, YYYY" date.
func sweepDate(pageHTML []byte) time.Time {
	head := pageHTML
	if len(head) > dateSweepWindow {
		head = head[:dateSweepWindow]
	}

	if m := isoDateRe.FindSubmatch(head); m != nil {
		if t, err := time.Parse("2006-01-02", string(m[1])); err == nil {
			return t.UTC()
		}
	}
	if m := monDateRe.FindSubmatch(head); m != nil {
		s := string(m[1]) + " " + string(m[2]) + " " + string(m[3])
		if t, err := time.Parse("Jan 2 2006", s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
