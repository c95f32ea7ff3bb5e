package content

import (
	"strings"
	"unicode"
)

// failureMarkers are phrases that indicate an error page or a broken
// extraction rather than an article. Matching is case-insensitive on the
// first 2000 characters, where bot walls and error pages announce
// themselves.
var failureMarkers = []string{
	"enable javascript and cookies",
	"checking your browser before accessing",
	"please turn javascript on",
	"access to this page has been denied",
	"verify you are a human",
	"404 not found",
	"page not found",
	"the page you requested was not found",
	"zlib decompress error",
	"invalid compressed data",
	"content extraction failed",
}

// IsGarbage reports whether cleaned text looks like a failed extraction and
// names the failing check. The checks, in order:
//
//  1. more than 8% non-printable or replacement characters
//  2. a run of 3+ consecutive control characters
//  3. a known extraction-failure marker phrase
//  4. one token making up over 25% of all tokens (boilerplate loops),
//     applied only to texts longer than 200 characters
func IsGarbage(text string) (bool, string) {
	if text == "" {
		return true, "empty"
	}

	total := 0
	bad := 0
	controlRun := 0
	maxControlRun := 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			bad++
			if unicode.IsControl(r) {
				controlRun++
				if controlRun > maxControlRun {
					maxControlRun = controlRun
				}
				continue
			}
		}
		controlRun = 0
	}
	if total > 0 && float64(bad)/float64(total) > 0.08 {
		return true, "non-printable ratio"
	}
	if maxControlRun >= 3 {
		return true, "control character run"
	}

	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}
	head = strings.ToLower(head)
	for _, marker := range failureMarkers {
		if strings.Contains(head, marker) {
			return true, "failure marker: " + marker
		}
	}

	if len(text) > 200 {
		if tok, freq := dominantToken(text); freq > 0.25 {
			return true, "dominant token: " + tok
		}
	}

	return false, ""
}

// isGarbageRune flags Private Use Area glyphs, the replacement character,
// and control characters other than whitespace. Broken font encodings in
// PDFs and mis-decoded responses land in exactly these ranges.
func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}

// dominantToken returns the most frequent token and its share of all tokens.
func dominantToken(text string) (string, float64) {
	words := tokenize(text)
	if len(words) == 0 {
		return "", 0
	}
	counts := make(map[string]int, len(words))
	best := ""
	bestN := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > bestN {
			best = w
			bestN = counts[w]
		}
	}
	return best, float64(bestN) / float64(len(words))
}

// ReadableLength counts characters that carry information: printable and
// not bare whitespace.
func ReadableLength(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsSpace(r) || isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) {
			n++
		}
	}
	return n
}
