package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/chasse/ingest/internal/content"
	"github.com/hazyhaar/chasse/ingest/internal/score"
	"github.com/hazyhaar/chasse/ingest/internal/store"
)

// Disposition is the outcome class of processing one candidate.
type Disposition string

const (
	Stored         Disposition = "stored"
	DuplicateExact Disposition = "duplicate_exact"
	DuplicateNear  Disposition = "duplicate_near"
	Rejected       Disposition = "rejected"
)

// NearDupDistance is the Hamming bound under which two articles count as
// the same content.
const NearDupDistance = 3

// insertRetries bounds transaction retries on a unique-constraint race.
const insertRetries = 3

// Candidate is one extracted article before validation and persistence.
type Candidate struct {
	SourceID     string
	CanonicalURL string
	OriginalURL  string
	Title        string
	// BodyHTML is the extracted fragment; the processor cleans it to text.
	// BodyText is used instead when the tier already produced plain text
	// (PDFs, Tier 3).
	BodyHTML  string
	BodyText  string
	Author    string
	Published time.Time
	Tags      []string
	Language  string
	// Method records which extraction path produced the candidate, for
	// metadata.
	Method string
}

// Result reports what happened to a candidate.
type Result struct {
	Disposition Disposition
	// Reason qualifies rejections (validation issue list) and duplicates
	// (canonical article id).
	Reason    string
	ArticleID int64
	Quality   float64
	Threat    int
}

// WorkflowSink receives the auto-trigger payload for high-value articles.
// Wired to the workflows queue by the service.
type WorkflowSink func(ctx context.Context, payload []byte) error

// ProcessorConfig tunes scoring gates.
type ProcessorConfig struct {
	// QualityThreshold rejects articles scoring below it. Default: 0.3.
	QualityThreshold float64
	// TrustedWeight exempts heavy sources from the quality gate.
	// Default: 1.5.
	TrustedWeight float64
	// AutoTriggerThreshold sends articles at or above it to the workflows
	// queue. Default: 80.
	AutoTriggerThreshold int
	// MaxRawHTML caps stored raw HTML. Default: 1MB. Negative disables
	// raw retention.
	MaxRawHTML int
}

func (c *ProcessorConfig) defaults() {
	if c.QualityThreshold == 0 {
		c.QualityThreshold = 0.3
	}
	if c.TrustedWeight == 0 {
		c.TrustedWeight = 1.5
	}
	if c.AutoTriggerThreshold == 0 {
		c.AutoTriggerThreshold = 80
	}
	if c.MaxRawHTML == 0 {
		c.MaxRawHTML = 1 << 20
	}
}

// Processor runs candidates through validation, dedup, scoring, and
// persistence.
type Processor struct {
	store    *store.Store
	cleaner  *content.Cleaner
	keywords *score.Keywords
	trigger  WorkflowSink
	cfg      ProcessorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor. keywords nil loads the embedded
// default lists; trigger nil disables workflow handoff.
func NewProcessor(st *store.Store, keywords *score.Keywords, trigger WorkflowSink, cfg ProcessorConfig, logger *slog.Logger) (*Processor, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if keywords == nil {
		var err error
		keywords, err = score.DefaultKeywords()
		if err != nil {
			return nil, fmt.Errorf("pipeline: load keywords: %w", err)
		}
	}
	return &Processor{
		store:    st,
		cleaner:  content.NewCleaner(cfg.MaxRawHTML),
		keywords: keywords,
		trigger:  trigger,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Process takes a candidate through the full pipeline. The returned error
// is non-nil only for storage failures; rejections and duplicates are
// normal Results.
func (p *Processor) Process(ctx context.Context, src *store.Source, cand *Candidate) (*Result, error) {
	log := p.logger.With("source_id", cand.SourceID, "url", cand.CanonicalURL)

	text := strings.TrimSpace(cand.BodyText)
	if text == "" && cand.BodyHTML != "" {
		cleaned, err := p.cleaner.Clean(cand.BodyHTML, cand.CanonicalURL)
		if err != nil {
			return &Result{Disposition: Rejected, Reason: "clean: " + err.Error()}, nil
		}
		text = cleaned
	}
	title := strings.TrimSpace(cand.Title)

	if issues := content.Validate(title, text, cand.CanonicalURL); len(issues) > 0 {
		log.Debug("processor: rejected", "issues", issues)
		return &Result{Disposition: Rejected, Reason: strings.Join(issues, "; ")}, nil
	}
	if garbage, why := content.IsGarbage(text); garbage {
		log.Debug("processor: garbage", "reason", why)
		return &Result{Disposition: Rejected, Reason: "garbage: " + why}, nil
	}

	hash := content.Hash(title, text)
	sim := content.SimHash(text)

	// Exact dedup.
	if existing, ok, err := p.store.LookupContentHash(ctx, hash); err != nil {
		return nil, fmt.Errorf("pipeline: hash lookup: %w", err)
	} else if ok {
		if err := p.store.AliasURL(ctx, cand.SourceID, cand.CanonicalURL, existing); err != nil {
			log.Warn("processor: alias url", "error", err)
		}
		return &Result{Disposition: DuplicateExact, Reason: fmt.Sprintf("article %d", existing), ArticleID: existing}, nil
	}

	// Near dedup: band lookup, exact Hamming on candidates, oldest wins.
	candidates, err := p.store.NearCandidates(ctx, sim)
	if err != nil {
		return nil, fmt.Errorf("pipeline: band lookup: %w", err)
	}
	for _, c := range candidates {
		if content.Hamming(sim, c.SimHash) <= NearDupDistance {
			if err := p.store.AliasURL(ctx, cand.SourceID, cand.CanonicalURL, c.ArticleID); err != nil {
				log.Warn("processor: alias url", "error", err)
			}
			return &Result{Disposition: DuplicateNear, Reason: fmt.Sprintf("article %d", c.ArticleID), ArticleID: c.ArticleID}, nil
		}
	}

	now := p.now().UTC()
	published := cand.Published
	if published.After(now.Add(24 * time.Hour)) {
		// Future-dated posts are clock skew or junk; keep the article,
		// drop the claim.
		published = time.Time{}
	}

	quality := score.Quality(title, text, published, now)
	if quality.Score < p.cfg.QualityThreshold && src.Weight <= p.cfg.TrustedWeight {
		log.Debug("processor: low quality", "score", quality.Score)
		return &Result{Disposition: Rejected, Reason: fmt.Sprintf("quality %.2f below %.2f", quality.Score, p.cfg.QualityThreshold), Quality: quality.Score}, nil
	}

	threat := p.keywords.ThreatScore(title, text)

	article := &store.Article{
		SourceID:           cand.SourceID,
		CanonicalURL:       cand.CanonicalURL,
		OriginalURL:        cand.OriginalURL,
		Title:              title,
		Content:            text,
		RawHTML:            p.cleaner.SanitizeHTML(cand.BodyHTML),
		PublishedAt:        published,
		DiscoveredAt:       now,
		Author:             cand.Author,
		TagsJSON:           tagsJSON(cand.Tags),
		Language:           cand.Language,
		ContentHash:        hash,
		SimHash:            sim,
		QualityScore:       quality.Score,
		ThreatHuntingScore: threat.Score,
		MetadataJSON:       metadataJSON(cand.Method, quality, threat),
	}

	if err := p.insertWithRetry(ctx, article); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) || errors.Is(err, store.ErrDuplicateURL) {
			// Lost the insert race; the committed transaction wins.
			return &Result{Disposition: DuplicateExact, Reason: "insert race"}, nil
		}
		return nil, err
	}

	res := &Result{Disposition: Stored, ArticleID: article.ID, Quality: quality.Score, Threat: threat.Score}
	if p.trigger != nil && threat.Score >= p.cfg.AutoTriggerThreshold {
		if err := p.fireTrigger(ctx, article.ID, threat.Score); err != nil {
			log.Warn("processor: workflow trigger", "error", err, "article_id", article.ID)
		} else {
			log.Info("processor: workflow triggered", "article_id", article.ID, "threat_score", threat.Score)
		}
	}
	log.Info("processor: stored", "article_id", article.ID,
		"quality", quality.Score, "threat_score", threat.Score)
	return res, nil
}

// insertWithRetry retries the article transaction on conflicts that are
// not the duplicate sentinels, which surface immediately.
func (p *Processor) insertWithRetry(ctx context.Context, a *store.Article) error {
	var err error
	for i := 0; i < insertRetries; i++ {
		err = p.store.InsertArticle(ctx, a)
		if err == nil ||
			errors.Is(err, store.ErrDuplicateHash) ||
			errors.Is(err, store.ErrDuplicateURL) ||
			ctx.Err() != nil {
			return err
		}
	}
	return err
}

// workflowMessage is the outbound contract to the workflow engine.
type workflowMessage struct {
	ArticleID  int64  `json:"article_id"`
	Reason     string `json:"reason"`
	Score      int    `json:"score"`
	EnqueuedAt string `json:"enqueued_at"`
}

func (p *Processor) fireTrigger(ctx context.Context, articleID int64, threatScore int) error {
	payload, err := json.Marshal(workflowMessage{
		ArticleID:  articleID,
		Reason:     "threat_hunting_threshold",
		Score:      threatScore,
		EnqueuedAt: p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.trigger(ctx, payload)
}

func metadataJSON(method string, quality score.QualityResult, threat score.ThreatResult) string {
	meta := map[string]any{
		"quality":        quality,
		"threat_hunting": threat,
	}
	if method != "" {
		meta["extraction"] = map[string]string{"method": method}
	}
	return marshalJSON(meta, "{}")
}

func tagsJSON(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	return marshalJSON(tags, "[]")
}

func marshalJSON(v any, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
