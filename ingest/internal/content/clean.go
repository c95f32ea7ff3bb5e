// Package content turns raw article HTML into clean text, computes the
// fingerprints used for deduplication, and rejects garbage extractions
// before they reach scoring.
package content

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// chromeSelector matches page furniture that never belongs to article text.
const chromeSelector = "script, style, noscript, nav, footer, header, aside, form, iframe, svg, button"

// Cleaner converts extracted HTML into normalized text. Safe for concurrent
// use; the underlying converter and policy are stateless per call.
type Cleaner struct {
	md         *converter.Converter
	sanitizer  *bluemonday.Policy
	maxRawHTML int
}

// NewCleaner creates a Cleaner. maxRawHTML caps the sanitized raw HTML kept
// alongside articles; <= 0 disables raw HTML retention.
func NewCleaner(maxRawHTML int) *Cleaner {
	return &Cleaner{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitizer:  bluemonday.UGCPolicy(),
		maxRawHTML: maxRawHTML,
	}
}

var (
	// ![alt](src) image syntax left by conversion; keep only the alt text.
	mdImageRe = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	// [text](url) links become "text (url)" so the URL survives in plain text.
	mdLinkRe = regexp.MustCompile(`\[([^\]]+)\]\((\S+?)(?:\s+"[^"]*")?\)`)
	// Three or more blank lines collapse to one blank line.
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// Clean strips page chrome from rawHTML and converts the remainder to plain
// text with markdown-style structure: headings and lists survive, code
// blocks stay fenced, links become "text (url)". baseURL resolves relative
// links; pass "" when unknown.
func (c *Cleaner) Clean(rawHTML, baseURL string) (string, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("content: parse html: %w", err)
	}
	doc.Find(chromeSelector).Remove()

	pruned, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("content: serialize html: %w", err)
	}

	var opts []converter.ConvertOptionFunc
	if baseURL != "" {
		opts = append(opts, converter.WithDomain(baseURL))
	}
	text, err := c.md.ConvertString(pruned, opts...)
	if err != nil {
		return "", fmt.Errorf("content: convert: %w", err)
	}

	text = mdImageRe.ReplaceAllString(text, "$1")
	text = mdLinkRe.ReplaceAllString(text, "$1 ($2)")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}

// SanitizeHTML returns rawHTML with scripts, event handlers, and embedded
// objects removed, truncated to the configured cap. Returns "" when raw
// HTML retention is disabled.
func (c *Cleaner) SanitizeHTML(rawHTML string) string {
	if c.maxRawHTML <= 0 || rawHTML == "" {
		return ""
	}
	safe := c.sanitizer.Sanitize(rawHTML)
	if len(safe) <= c.maxRawHTML {
		return safe
	}
	// Truncate on a rune boundary.
	cut := c.maxRawHTML
	for cut > 0 && !isRuneStart(safe[cut]) {
		cut--
	}
	return safe[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
