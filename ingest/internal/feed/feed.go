// Package feed parses RSS 2.0, Atom 1.0, and RDF feeds into article
// entries. Parsing is delegated to gofeed, which detects the dialect and
// recovers from the malformed XML real-world feeds ship.
package feed

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// MinInlineBody is the threshold under which an entry body is considered a
// teaser: the linked page must be fetched for full text.
const MinInlineBody = 400

// Entry is one feed item normalized for the pipeline.
type Entry struct {
	GUID       string
	Title      string
	Link       string // absolute, resolved against the feed URL
	Author     string
	BodyHTML   string // richest body the feed carried; may be plain text
	Published  time.Time // zero when the feed gave no parseable date
	Categories []string
	// NeedsFullText marks entries whose body is absent or a short teaser;
	// the fetcher sends those through tier-2 extraction on the link.
	NeedsFullText bool
}

// Feed is a parsed feed.
type Feed struct {
	Title   string
	Link    string
	Entries []Entry
}

// Parse parses feed XML. feedURL resolves relative entry links.
func Parse(data []byte, feedURL string) (*Feed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("feed: parse: %w", err)
	}

	base, _ := url.Parse(feedURL)

	out := &Feed{
		Title:   strings.TrimSpace(parsed.Title),
		Link:    strings.TrimSpace(parsed.Link),
		Entries: make([]Entry, 0, len(parsed.Items)),
	}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		e := Entry{
			GUID:       strings.TrimSpace(item.GUID),
			Title:      strings.TrimSpace(item.Title),
			Link:       resolveLink(base, item.Link),
			Categories: item.Categories,
		}
		if e.GUID == "" {
			e.GUID = e.Link
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			e.Author = strings.TrimSpace(item.Authors[0].Name)
		}

		// Prefer content:encoded / atom content over the summary.
		e.BodyHTML = strings.TrimSpace(item.Content)
		if e.BodyHTML == "" {
			e.BodyHTML = strings.TrimSpace(item.Description)
		}

		switch {
		case item.PublishedParsed != nil:
			e.Published = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			e.Published = item.UpdatedParsed.UTC()
		}

		e.NeedsFullText = TextLength(e.BodyHTML) < MinInlineBody

		out.Entries = append(out.Entries, e)
	}

	return out, nil
}

// resolveLink makes an entry link absolute against the feed URL. Already
// absolute links pass through; unparseable ones are returned as-is for the
// validator to reject downstream.
func resolveLink(base *url.URL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" || base == nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

// TextLength counts the text characters of an HTML fragment, tags excluded.
// Plain-text bodies count as-is.
func TextLength(fragment string) int {
	if fragment == "" {
		return 0
	}
	if !strings.ContainsRune(fragment, '<') {
		return len(strings.TrimSpace(fragment))
	}
	n := 0
	tz := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return n
		case html.TextToken:
			n += len(bytes.TrimSpace(tz.Text()))
		}
	}
}
