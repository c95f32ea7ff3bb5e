package score

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// Quality weighting. The components sum to 1.0 so the score stays in 0..1.
const (
	weightLength    = 0.35
	weightLinks     = 0.15
	weightCode      = 0.10
	weightFreshness = 0.20
	weightTitle     = 0.20

	// lengthSaturation is where content length stops earning points.
	lengthSaturation = 2000
	// freshnessHalfLife halves the freshness component every 180 days.
	freshnessHalfLife = 180 * 24 * time.Hour
)

// titleStopwords are ignored when measuring title informativeness.
var titleStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "where": true, "who": true, "why": true,
	"will": true, "with": true, "you": true, "your": true,
}

// QualityResult breaks a quality score into its components, persisted into
// article metadata.
type QualityResult struct {
	Score     float64 `json:"score"`
	Length    float64 `json:"length"`
	Links     float64 `json:"links"`
	Code      float64 `json:"code"`
	Freshness float64 `json:"freshness"`
	Title     float64 `json:"title"`
}

// Quality rates cleaned article text in 0..1: long enough, not a link
// farm, technical (code blocks), recent, and informatively titled.
// published may be zero; the component then scores neutral (0.5) instead
// of punishing sources that publish no dates.
func Quality(title, content string, published, now time.Time) QualityResult {
	var r QualityResult

	// Content length, saturating.
	n := len(content)
	if n > lengthSaturation {
		n = lengthSaturation
	}
	r.Length = float64(n) / lengthSaturation

	// Link density, inverted: every link per 50 words costs.
	words := len(strings.Fields(content))
	links := strings.Count(content, "(http")
	if words > 0 {
		penalty := float64(links) / (float64(words) / 50)
		if penalty > 1 {
			penalty = 1
		}
		r.Links = 1 - penalty
	}

	// Fenced code blocks are a strong hunting-content signal.
	if strings.Contains(content, "```") {
		r.Code = 1
	}

	// Date freshness, exponential decay.
	switch {
	case published.IsZero():
		r.Freshness = 0.5
	case published.After(now):
		r.Freshness = 1
	default:
		age := now.Sub(published)
		r.Freshness = math.Pow(0.5, float64(age)/float64(freshnessHalfLife))
	}

	// Title informativeness: non-stopword ratio.
	r.Title = titleInformativeness(title)

	r.Score = weightLength*r.Length +
		weightLinks*r.Links +
		weightCode*r.Code +
		weightFreshness*r.Freshness +
		weightTitle*r.Title
	return r
}

func titleInformativeness(title string) float64 {
	var total, informative int
	for _, w := range strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		total++
		if !titleStopwords[w] {
			informative++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(informative) / float64(total)
}
