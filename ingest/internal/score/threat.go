// Package score rates ingested articles: a 0..1 quality score deciding
// whether an article is worth keeping, and a 0..100 threat-hunting score
// deciding whether it is worth handing to the detection workflow.
package score

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywordsYAML []byte

// Keyword set weights and the technical-depth cap.
const (
	weightPerfect = 15
	weightLOLBAS  = 12
	weightGood    = 8
	maxTechDepth  = 30
	maxScore      = 100
)

// Keywords holds the discriminator sets the threat score counts.
type Keywords struct {
	Perfect []string `yaml:"perfect_discriminators"`
	LOLBAS  []string `yaml:"lolbas"`
	Good    []string `yaml:"good_discriminators"`
}

// DefaultKeywords returns the embedded keyword sets.
func DefaultKeywords() (*Keywords, error) {
	return parseKeywords(defaultKeywordsYAML)
}

// LoadKeywords reads a keyword override file.
func LoadKeywords(path string) (*Keywords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("score: read keywords: %w", err)
	}
	return parseKeywords(data)
}

func parseKeywords(data []byte) (*Keywords, error) {
	var k Keywords
	if err := yaml.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("score: parse keywords: %w", err)
	}
	if len(k.Perfect) == 0 && len(k.LOLBAS) == 0 && len(k.Good) == 0 {
		return nil, fmt.Errorf("score: keyword file has no discriminator sets")
	}
	for _, set := range [][]string{k.Perfect, k.LOLBAS, k.Good} {
		for i, kw := range set {
			set[i] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return &k, nil
}

// ThreatResult is the threat-hunting score with the evidence behind it,
// persisted into article metadata so reviewers can see why an article
// triggered.
type ThreatResult struct {
	Score     int      `json:"score"`
	Matched   []string `json:"matched"`
	Density   float64  `json:"density"` // matches per 1000 words
	TechDepth int      `json:"tech_depth"`
}

// Technical-depth signals. Each class present contributes 5 points.
var (
	cveRe      = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)
	hexRe      = regexp.MustCompile(`\b0x[0-9a-fA-F]{4,}\b`)
	registryRe = regexp.MustCompile(`(?i)\bHK(?:LM|CU|CR|U|EY_[A-Z_]+)\\`)
	winPathRe  = regexp.MustCompile(`(?i)\b[a-z]:\\(?:[^\s\\]+\\)*[^\s\\]+`)
	hashRe     = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b`)
	codeRe     = regexp.MustCompile("(?m)^```|^    \\S")
)

// ThreatScore rates title+content for threat-hunting value. Additive:
// 15 per perfect discriminator, 12 per LOLBAS entry, 8 per good
// discriminator (distinct matches, not occurrences), plus up to 30 for
// technical depth. Capped at 100.
func (k *Keywords) ThreatScore(title, content string) ThreatResult {
	text := strings.ToLower(title + "\n" + content)

	var res ThreatResult
	raw := 0
	for _, set := range []struct {
		words  []string
		weight int
	}{
		{k.Perfect, weightPerfect},
		{k.LOLBAS, weightLOLBAS},
		{k.Good, weightGood},
	} {
		for _, kw := range set.words {
			if kw == "" || !strings.Contains(text, kw) {
				continue
			}
			raw += set.weight
			res.Matched = append(res.Matched, kw)
		}
	}

	res.TechDepth = techDepth(title + "\n" + content)
	raw += res.TechDepth

	if words := len(strings.Fields(text)); words > 0 {
		res.Density = float64(len(res.Matched)) / float64(words) * 1000
	}

	sort.Strings(res.Matched)
	if raw > maxScore {
		raw = maxScore
	}
	res.Score = raw
	return res
}

// techDepth scores the presence of technical artifact classes: CVE ids,
// hex constants, registry paths, Windows paths, file hashes, code blocks.
func techDepth(text string) int {
	depth := 0
	for _, re := range []*regexp.Regexp{cveRe, hexRe, registryRe, winPathRe, hashRe, codeRe} {
		if re.MatchString(text) {
			depth += 5
		}
	}
	if depth > maxTechDepth {
		depth = maxTechDepth
	}
	return depth
}
