package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hazyhaar/chasse/ingest/internal/scrape"
	"github.com/hazyhaar/chasse/ingest/internal/store"
)

// Scope bounds which hosts and post URLs a source may reach. Stored as
// JSON in sources.scope_json; sync-sources writes it from the YAML config.
type Scope struct {
	Allow        []string `json:"allow,omitempty" yaml:"allow"`
	Deny         []string `json:"deny,omitempty" yaml:"deny"`
	PostURLRegex string   `json:"post_url_regex,omitempty" yaml:"post_url_regex"`
}

// Discovery configures Tier 2 listing crawls.
type Discovery struct {
	ListingURLs      []string `json:"listing_urls,omitempty" yaml:"listing_urls"`
	PostLinkSelector string   `json:"post_link_selector,omitempty" yaml:"post_link_selector"`
	MaxPages         int      `json:"max_pages,omitempty" yaml:"max_pages"`
}

// Enabled reports whether the source carries usable discovery hints.
func (d Discovery) Enabled() bool { return len(d.ListingURLs) > 0 }

// ExtractHints configures Tier 2 extraction. Selector lists are fallbacks
// tried in order; entries may use the "selector::attr(name)" form.
type ExtractHints struct {
	PreferJSONLD    bool     `json:"prefer_jsonld,omitempty" yaml:"prefer_jsonld"`
	TitleSelectors  []string `json:"title_selectors,omitempty" yaml:"title_selectors"`
	DateSelectors   []string `json:"date_selectors,omitempty" yaml:"date_selectors"`
	BodySelectors   []string `json:"body_selectors,omitempty" yaml:"body_selectors"`
	AuthorSelectors []string `json:"author_selectors,omitempty" yaml:"author_selectors"`
}

// ScrapeHints converts to the scrape package's hint form.
func (e ExtractHints) ScrapeHints() scrape.Hints {
	return scrape.Hints{
		PreferJSONLD:    e.PreferJSONLD,
		TitleSelectors:  e.TitleSelectors,
		DateSelectors:   e.DateSelectors,
		BodySelectors:   e.BodySelectors,
		AuthorSelectors: e.AuthorSelectors,
	}
}

// Hints is the decoded per-source configuration blob.
type Hints struct {
	Scope     Scope
	Discovery Discovery
	Extract   ExtractHints
}

// DecodeHints parses the JSON hint columns of a source. Empty or "{}"
// columns decode to zero values.
func DecodeHints(src *store.Source) (Hints, error) {
	var h Hints
	if err := decodeJSON(src.ScopeJSON, &h.Scope); err != nil {
		return h, fmt.Errorf("pipeline: scope for %s: %w", src.Identifier, err)
	}
	if err := decodeJSON(src.DiscoveryJSON, &h.Discovery); err != nil {
		return h, fmt.Errorf("pipeline: discovery for %s: %w", src.Identifier, err)
	}
	if err := decodeJSON(src.ExtractJSON, &h.Extract); err != nil {
		return h, fmt.Errorf("pipeline: extract for %s: %w", src.Identifier, err)
	}
	return h, nil
}

func decodeJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// scopeMatcher is the compiled form of a Scope.
type scopeMatcher struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
	post  *regexp.Regexp
	// home is the source's own host, always in scope even without an
	// allow list match.
	home string
}

func compileScope(s Scope, sourceURL string) (*scopeMatcher, error) {
	m := &scopeMatcher{}
	if u, err := url.Parse(sourceURL); err == nil {
		m.home = strings.ToLower(u.Hostname())
	}
	for _, pat := range s.Allow {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pipeline: scope allow %q: %w", pat, err)
		}
		m.allow = append(m.allow, re)
	}
	for _, pat := range s.Deny {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pipeline: scope deny %q: %w", pat, err)
		}
		m.deny = append(m.deny, re)
	}
	if s.PostURLRegex != "" {
		re, err := regexp.Compile(s.PostURLRegex)
		if err != nil {
			return nil, fmt.Errorf("pipeline: post_url_regex %q: %w", s.PostURLRegex, err)
		}
		m.post = re
	}
	return m, nil
}

// InScope decides whether a host may be fetched: deny wins, then an allow
// list (when present) must match, the source's own host passing implicitly.
func (m *scopeMatcher) InScope(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, re := range m.deny {
		if re.MatchString(host) {
			return false
		}
	}
	if len(m.allow) == 0 {
		return true
	}
	if host == m.home && m.home != "" {
		return true
	}
	for _, re := range m.allow {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// AllowsPost applies the post-URL filter to a discovered candidate URL.
func (m *scopeMatcher) AllowsPost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !m.InScope(u) {
		return false
	}
	if m.post == nil {
		return true
	}
	return m.post.MatchString(raw)
}
