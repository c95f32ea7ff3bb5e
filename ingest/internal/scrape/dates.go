package scrape

import (
	"strings"
	"time"
)

// dateLayouts are tried in order after RFC 3339. The list is fixed and
// locale-agnostic; anything else is left unparsed and the processor falls
// back to the discovery time.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate parses a published-date string from markup. Returns the zero
// time when no layout matches.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
