package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chasse/ingest/internal/pipeline"
	"github.com/hazyhaar/chasse/ingest/internal/store"
	"github.com/hazyhaar/chasse/ingest/internal/urlnorm"
	"github.com/hazyhaar/chasse/urlguard"
)

// SourceConfig is one source entry in the YAML document.
type SourceConfig struct {
	Identifier     string   `yaml:"identifier"`
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	RSSURL         string   `yaml:"rss_url"`
	Tier           int      `yaml:"tier"`
	Weight         float64  `yaml:"weight"`
	Active         *bool    `yaml:"active"`
	CheckFrequency int      `yaml:"check_frequency"`
	RatePerMinute  int      `yaml:"rate_limit_per_minute"`
	UserAgent      string   `yaml:"user_agent"`
	Timeout        int      `yaml:"timeout"`
	MaxArticles    int      `yaml:"max_articles"`
	Categories     []string `yaml:"categories"`

	Scope     pipeline.Scope        `yaml:"scope"`
	Discovery pipeline.Discovery    `yaml:"discovery"`
	Extract   pipeline.ExtractHints `yaml:"extract"`
}

type sourcesDoc struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSourceConfigs reads and validates a YAML source document.
func LoadSourceConfigs(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return ParseSourceConfigs(data)
}

// ParseSourceConfigs decodes and validates source configs. Unknown keys
// are rejected so typos surface at sync time instead of silently dropping
// hints.
func ParseSourceConfigs(data []byte) ([]SourceConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc sourcesDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse sources: %v", ErrConfig, err)
	}
	if len(doc.Sources) == 0 {
		return nil, fmt.Errorf("%w: no sources defined", ErrConfig)
	}

	seen := make(map[string]bool, len(doc.Sources))
	for i := range doc.Sources {
		sc := &doc.Sources[i]
		if err := sc.validate(); err != nil {
			return nil, err
		}
		if seen[sc.Identifier] {
			return nil, fmt.Errorf("%w: duplicate identifier %q", ErrConfig, sc.Identifier)
		}
		seen[sc.Identifier] = true
	}
	return doc.Sources, nil
}

func (sc *SourceConfig) validate() error {
	fail := func(field string, err error) error {
		return fmt.Errorf("%w: source %q: %s: %v", ErrConfig, sc.Identifier, field, err)
	}

	if sc.Identifier == "" {
		return fmt.Errorf("%w: source with empty identifier", ErrConfig)
	}
	if err := urlguard.ValidateIdentifier(sc.Identifier); err != nil {
		return fail("identifier", err)
	}
	if sc.Name == "" {
		return fail("name", fmt.Errorf("required"))
	}
	if sc.URL == "" {
		return fail("url", fmt.Errorf("required"))
	}
	if err := urlguard.ValidateURL(sc.URL); err != nil {
		return fail("url", err)
	}
	if _, err := urlnorm.Canonicalize(sc.URL); err != nil {
		return fail("url", err)
	}
	if sc.RSSURL != "" {
		if err := urlguard.ValidateURL(sc.RSSURL); err != nil {
			return fail("rss_url", err)
		}
	}
	for _, u := range sc.Discovery.ListingURLs {
		if err := urlguard.ValidateURL(u); err != nil {
			return fail("discovery.listing_urls", err)
		}
	}
	if sc.Tier < 0 || sc.Tier > 3 {
		return fail("tier", fmt.Errorf("must be 1, 2 or 3"))
	}
	if sc.Weight < 0 {
		return fail("weight", fmt.Errorf("must be non-negative"))
	}
	if sc.CheckFrequency < 0 {
		return fail("check_frequency", fmt.Errorf("must be non-negative seconds"))
	}

	for _, pat := range sc.Scope.Allow {
		if _, err := regexp.Compile(pat); err != nil {
			return fail("scope.allow", err)
		}
	}
	for _, pat := range sc.Scope.Deny {
		if _, err := regexp.Compile(pat); err != nil {
			return fail("scope.deny", err)
		}
	}
	if sc.Scope.PostURLRegex != "" {
		if _, err := regexp.Compile(sc.Scope.PostURLRegex); err != nil {
			return fail("scope.post_url_regex", err)
		}
	}
	return nil
}

// tier resolves the effective tier: rss_url wins, then discovery hints,
// then the explicit hint, then legacy.
func (sc *SourceConfig) tier() int {
	switch {
	case sc.RSSURL != "":
		return 1
	case sc.Discovery.Enabled():
		return 2
	case sc.Tier != 0:
		return sc.Tier
	default:
		return 3
	}
}

// toSource converts a validated config to its stored form.
func (sc *SourceConfig) toSource() *store.Source {
	active := true
	if sc.Active != nil {
		active = *sc.Active
	}
	weight := sc.Weight
	if weight == 0 {
		weight = 1.0
	}
	freq := sc.CheckFrequency
	if freq == 0 {
		freq = 1800
	}

	src := &store.Source{
		Identifier:     sc.Identifier,
		Name:           sc.Name,
		URL:            sc.URL,
		RSSURL:         sc.RSSURL,
		Tier:           sc.tier(),
		Active:         active,
		Weight:         weight,
		CheckFrequency: time.Duration(freq) * time.Second,
		RatePerMinute:  sc.RatePerMinute,
		UserAgent:      sc.UserAgent,
		Timeout:        time.Duration(sc.Timeout) * time.Second,
		MaxArticles:    sc.MaxArticles,
		ScopeJSON:      mustJSON(sc.Scope),
		DiscoveryJSON:  mustJSON(sc.Discovery),
		ExtractJSON:    mustJSON(sc.Extract),
	}
	if len(sc.Categories) > 0 {
		src.CategoriesJSON = mustJSON(sc.Categories)
	}
	return src
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SyncOptions adjusts a sync run.
type SyncOptions struct {
	// Remove deletes DB sources absent from the document instead of
	// deactivating them. Articles survive either way.
	Remove bool
	// DryRun computes the diff without writing.
	DryRun bool
}

// SyncDiff reports what a sync did (or would do, under DryRun).
type SyncDiff struct {
	Added       []string `json:"added"`
	Updated     []string `json:"updated"`
	Unchanged   []string `json:"unchanged"`
	Deactivated []string `json:"deactivated"`
	Removed     []string `json:"removed"`
}

// Changed reports whether the sync touched anything.
func (d *SyncDiff) Changed() bool {
	return len(d.Added)+len(d.Updated)+len(d.Deactivated)+len(d.Removed) > 0
}

// SyncSources loads a YAML document and applies it to the store.
func (svc *Service) SyncSources(ctx context.Context, path string, opt SyncOptions) (*SyncDiff, error) {
	configs, err := LoadSourceConfigs(path)
	if err != nil {
		return nil, err
	}
	return svc.ApplySourceConfigs(ctx, configs, opt)
}

// ApplySourceConfigs diffs validated configs against the store and applies
// the result. Fetch state (health, failures, validators, next run) is
// never touched; sources absent from the document are deactivated, or
// deleted under Remove.
func (svc *Service) ApplySourceConfigs(ctx context.Context, configs []SourceConfig, opt SyncOptions) (*SyncDiff, error) {
	existing, err := svc.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Source, len(existing))
	for _, src := range existing {
		byID[src.Identifier] = src
	}

	diff := &SyncDiff{}
	inDoc := make(map[string]bool, len(configs))
	for _, sc := range configs {
		inDoc[sc.Identifier] = true
		want := sc.toSource()
		have, ok := byID[sc.Identifier]
		switch {
		case !ok:
			diff.Added = append(diff.Added, sc.Identifier)
		case sameConfig(have, want):
			diff.Unchanged = append(diff.Unchanged, sc.Identifier)
			continue
		default:
			diff.Updated = append(diff.Updated, sc.Identifier)
		}
		if opt.DryRun {
			continue
		}
		if err := svc.store.UpsertSource(ctx, want); err != nil {
			return diff, err
		}
	}

	for _, src := range existing {
		if inDoc[src.Identifier] {
			continue
		}
		if opt.Remove {
			diff.Removed = append(diff.Removed, src.Identifier)
			if !opt.DryRun {
				if err := svc.store.DeleteSource(ctx, src.Identifier); err != nil {
					return diff, err
				}
			}
			continue
		}
		if src.Active {
			diff.Deactivated = append(diff.Deactivated, src.Identifier)
			if !opt.DryRun {
				if err := svc.store.SetActive(ctx, src.Identifier, false); err != nil {
					return diff, err
				}
			}
		}
	}
	return diff, nil
}

// sameConfig compares the config-owned fields of two sources, ignoring
// fetch state.
func sameConfig(a, b *store.Source) bool {
	return a.Name == b.Name &&
		a.URL == b.URL &&
		a.RSSURL == b.RSSURL &&
		a.Tier == b.Tier &&
		a.Active == b.Active &&
		a.Weight == b.Weight &&
		a.CheckFrequency == b.CheckFrequency &&
		a.RatePerMinute == b.RatePerMinute &&
		a.UserAgent == b.UserAgent &&
		a.Timeout == b.Timeout &&
		a.MaxArticles == b.MaxArticles &&
		sameJSON(a.ScopeJSON, b.ScopeJSON) &&
		sameJSON(a.DiscoveryJSON, b.DiscoveryJSON) &&
		sameJSON(a.ExtractJSON, b.ExtractJSON) &&
		sameJSON(a.CategoriesJSON, b.CategoriesJSON)
}

// sameJSON treats empty, "{}" and "[]" blobs as equal to each other's
// zero forms so a re-sync of an unchanged document reports unchanged.
func sameJSON(a, b string) bool {
	return normJSON(a) == normJSON(b)
}

func normJSON(s string) string {
	switch s {
	case "", "{}", "[]", "null":
		return ""
	}
	return s
}
