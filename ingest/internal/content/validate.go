package content

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MinTitleLen and MaxTitleLen bound accepted titles, in runes.
	MinTitleLen = 5
	MaxTitleLen = 500
	// MinBodyLen is the minimum readable character count after cleaning.
	MinBodyLen = 50
)

// Validate checks a cleaned candidate before hashing and scoring. The
// returned issues are empty for a valid candidate; otherwise each entry
// names one failed check, all of which are reported together so operators
// see every problem at once.
func Validate(title, body, rawURL string) []string {
	var issues []string

	titleLen := utf8.RuneCountInString(strings.TrimSpace(title))
	if titleLen < MinTitleLen {
		issues = append(issues, fmt.Sprintf("title too short (%d chars, want >= %d)", titleLen, MinTitleLen))
	} else if titleLen > MaxTitleLen {
		issues = append(issues, fmt.Sprintf("title too long (%d chars, max %d)", titleLen, MaxTitleLen))
	}

	if n := ReadableLength(body); n < MinBodyLen {
		issues = append(issues, fmt.Sprintf("content too short (%d readable chars, want >= %d)", n, MinBodyLen))
	} else if garbage, reason := IsGarbage(body); garbage {
		issues = append(issues, "garbage content: "+reason)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		issues = append(issues, "invalid URL: "+err.Error())
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, "URL is not absolute http(s): "+rawURL)
	}

	return issues
}
