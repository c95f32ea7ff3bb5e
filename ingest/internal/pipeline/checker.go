// Package pipeline orchestrates source checks: tier selection, candidate
// discovery, extraction, and the processor that validates, dedupes,
// scores, and persists articles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/chasse/idgen"
	"github.com/hazyhaar/chasse/ingest/internal/feed"
	"github.com/hazyhaar/chasse/ingest/internal/fetch"
	"github.com/hazyhaar/chasse/ingest/internal/htmlheur"
	"github.com/hazyhaar/chasse/ingest/internal/scrape"
	"github.com/hazyhaar/chasse/ingest/internal/store"
	"github.com/hazyhaar/chasse/ingest/internal/urlnorm"
	"github.com/hazyhaar/chasse/pdftext"
)

// Sentinels surfaced by CheckSource.
var (
	ErrUnknownSource   = errors.New("pipeline: unknown source")
	ErrConcurrentCheck = errors.New("pipeline: source check already in progress")
)

// CheckerConfig tunes the per-source check orchestration.
type CheckerConfig struct {
	// Concurrency bounds candidate fetches within one check. Default: 4.
	Concurrency int
	// CheckTimeout bounds one full check_source run. Default: 15m.
	CheckTimeout time.Duration
	// MaxBackoff caps the failure backoff. Default: 24h.
	MaxBackoff time.Duration
	// DefaultMaxArticles caps candidates per check when the source sets no
	// limit. Default: 50.
	DefaultMaxArticles int
	// Holder identifies this worker in the lease table.
	Holder string
}

func (c *CheckerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 15 * time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 24 * time.Hour
	}
	if c.DefaultMaxArticles <= 0 {
		c.DefaultMaxArticles = 50
	}
	if c.Holder == "" {
		c.Holder = "chasse-" + idgen.NanoID(8)()
	}
}

// CheckOptions modify one check invocation.
type CheckOptions struct {
	// Force ignores stored ETag/Last-Modified validators.
	Force bool
	// DryRun discovers and extracts but writes nothing: no lease, no
	// articles, no state, no check row.
	DryRun bool
}

// CheckResult summarizes one check_source run.
type CheckResult struct {
	SourceID    string
	Tier        int
	Status      int
	Bytes       int64
	Seen        int
	New         int
	Duplicates  int
	Rejected    int
	Failed      int
	NotModified bool
	Partial     bool
}

// Checker runs check_source: claims the source, selects the extraction
// tier, walks candidates, and hands them to the Processor.
type Checker struct {
	store  *store.Store
	client *fetch.Client
	proc   *Processor
	cfg    CheckerConfig
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(st *store.Store, client *fetch.Client, proc *Processor, cfg CheckerConfig, logger *slog.Logger) *Checker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:  st,
		client: client,
		proc:   proc,
		cfg:    cfg,
		logger: logger,
		newID:  idgen.Prefixed("chk", idgen.NanoID(12)),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// CheckSource runs one full check for a source. Inactive sources are a
// no-op. A live lease by another worker returns ErrConcurrentCheck.
func (c *Checker) CheckSource(ctx context.Context, sourceID string, opt CheckOptions) (*CheckResult, error) {
	src, err := c.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	log := c.logger.With("source_id", src.Identifier)
	if !src.Active {
		log.Debug("checker: source inactive, skipping")
		return &CheckResult{SourceID: src.Identifier}, nil
	}

	hints, err := DecodeHints(src)
	if err != nil {
		return nil, err
	}
	scope, err := compileScope(hints.Scope, src.URL)
	if err != nil {
		return nil, err
	}

	if !opt.DryRun {
		if err := c.store.AcquireLease(ctx, src.Identifier, c.cfg.Holder); err != nil {
			if errors.Is(err, store.ErrLeaseHeld) {
				log.Debug("checker: lease held, skipping")
				return nil, ErrConcurrentCheck
			}
			return nil, err
		}
		defer c.store.ReleaseLease(context.WithoutCancel(ctx), src.Identifier, c.cfg.Holder)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	run := &checkRun{
		checker: c,
		src:     src,
		hints:   hints,
		scope:   scope,
		opt:     opt,
		log:     log,
		result:  &CheckResult{SourceID: src.Identifier, Tier: c.tierFor(src, hints)},
	}
	started := c.now().UTC()

	var checkErr error
	switch run.result.Tier {
	case 1:
		checkErr = run.checkFeed(ctx)
	case 2:
		checkErr = run.checkDiscovery(ctx)
	default:
		checkErr = run.checkLegacy(ctx)
	}
	finished := c.now().UTC()

	res := run.result
	res.Partial = checkErr == nil && res.Failed > 0 && res.Seen > res.Failed

	if opt.DryRun {
		return res, checkErr
	}
	if err := c.record(ctx, src, run, started, finished, checkErr); err != nil {
		log.Warn("checker: record outcome", "error", err)
	}
	log.Info("checker: done",
		"tier", res.Tier, "status", res.Status, "seen", res.Seen, "new", res.New,
		"duplicates", res.Duplicates, "rejected", res.Rejected, "failed", res.Failed,
		"error", errString(checkErr))
	return res, checkErr
}

func (c *Checker) tierFor(src *store.Source, hints Hints) int {
	switch {
	case src.RSSURL != "":
		return 1
	case hints.Discovery.Enabled():
		return 2
	default:
		return 3
	}
}

// record writes the SourceCheck audit row and updates the source state.
// Per-article failures with at least one candidate processed still count
// as a source success.
func (c *Checker) record(ctx context.Context, src *store.Source, run *checkRun, started, finished time.Time, checkErr error) error {
	if errors.Is(checkErr, context.Canceled) {
		// Shutdown, not a source fault: leave the state and audit trail
		// untouched so the requeued task resumes the same schedule.
		return nil
	}
	// Outcome rows should survive the timeout that aborted the check.
	ctx = context.WithoutCancel(ctx)
	res := run.result

	check := &store.Check{
		ID:           c.newID(),
		SourceID:     src.Identifier,
		StartedAt:    started,
		FinishedAt:   finished,
		HTTPStatus:   res.Status,
		Bytes:        res.Bytes,
		ArticlesSeen: res.Seen,
		ArticlesNew:  res.New,
	}
	switch {
	case checkErr != nil:
		check.ErrorKind = string(errorKind(checkErr))
		check.ErrorDetail = checkErr.Error()
	case res.Partial:
		check.ErrorKind = "partial_failure"
		check.ErrorDetail = fmt.Sprintf("%d of %d candidates failed", res.Failed, res.Seen)
	}
	if err := c.store.InsertCheck(ctx, check); err != nil {
		return err
	}

	now := c.now().UTC()
	if checkErr == nil {
		next := now.Add(jitterDuration(src.CheckFrequency, 0.10))
		return c.store.RecordCheckSuccess(ctx, src.Identifier, run.etag, run.lastModified, next)
	}
	backoff := src.CheckFrequency << uint(min(src.ConsecutiveFailures+1, 20))
	if backoff <= 0 || backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	streak, err := c.store.RecordCheckFailure(ctx, src.Identifier, now.Add(backoff))
	if err != nil {
		return err
	}
	if streak == store.DegradedAfter || streak == store.DisabledAutoAfter {
		c.logger.Warn("checker: source health degraded",
			"source_id", src.Identifier, "consecutive_failures", streak,
			"health", store.HealthFor(streak))
	}
	return nil
}

// jitterDuration spreads next runs by ±frac.
func jitterDuration(d time.Duration, frac float64) time.Duration {
	spread := 1 + frac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}

// errorKind maps a check-level error onto the taxonomy.
func errorKind(err error) fetch.Kind {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if k := fetch.KindOf(err); k != "" {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.KindTimeout
	}
	return "extraction_failed"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// checkRun carries the state of one check_source invocation.
type checkRun struct {
	checker *Checker
	src     *store.Source
	hints   Hints
	scope   *scopeMatcher
	opt     CheckOptions
	log     *slog.Logger
	result  *CheckResult

	mu           sync.Mutex
	admitted     map[string]bool
	etag         string
	lastModified string
}

func (r *checkRun) maxArticles() int {
	if r.src.MaxArticles > 0 {
		return r.src.MaxArticles
	}
	return r.checker.cfg.DefaultMaxArticles
}

// fetchPrimary fetches the feed or listing URL with the source's stored
// validators and records status and size on the result.
func (r *checkRun) fetchPrimary(ctx context.Context, rawURL string, conditional bool) (*fetch.Response, error) {
	req := r.request(rawURL)
	if conditional && !r.opt.Force {
		req.IfNoneMatch = r.src.LastETag
		req.IfModifiedSince = r.src.LastModified
	}
	resp, err := r.fetch(ctx, req)
	if resp != nil {
		r.mu.Lock()
		r.result.Status = resp.Status
		if resp.ETag != "" {
			r.etag = resp.ETag
		}
		if resp.LastModified != "" {
			r.lastModified = resp.LastModified
		}
		r.mu.Unlock()
	}
	if err != nil {
		if status := fetch.StatusOf(err); status > 0 {
			r.mu.Lock()
			r.result.Status = status
			r.mu.Unlock()
		}
		return nil, err
	}
	return resp, nil
}

func (r *checkRun) request(rawURL string) fetch.Request {
	return fetch.Request{
		URL:           rawURL,
		UserAgent:     r.src.UserAgent,
		RatePerMinute: float64(r.src.RatePerMinute),
		InScope:       r.scope.InScope,
	}
}

// fetch runs one request under the source's timeout and tallies bytes.
func (r *checkRun) fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	if r.src.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.src.Timeout)
		defer cancel()
	}
	resp, err := r.checker.client.Fetch(ctx, req)
	if resp != nil {
		r.mu.Lock()
		r.result.Bytes += int64(len(resp.Body))
		r.mu.Unlock()
	}
	return resp, err
}

// checkFeed is Tier 1: conditional feed fetch, entries in feed order,
// full-text resolution for teaser entries.
func (r *checkRun) checkFeed(ctx context.Context) error {
	resp, err := r.fetchPrimary(ctx, r.src.RSSURL, true)
	if err != nil {
		return err
	}
	if resp.NotModified() {
		r.result.NotModified = true
		r.log.Debug("checker: feed not modified")
		return nil
	}

	f, err := feed.Parse(resp.Body, resp.FinalURL)
	if err != nil {
		return fmt.Errorf("feed parse: %w", err)
	}

	entries := f.Entries
	if limit := r.maxArticles(); len(entries) > limit {
		entries = entries[:limit]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.checker.cfg.Concurrency)
	for _, entry := range entries {
		canonical, skip := r.admit(ctx, entry.Link)
		if skip {
			continue
		}
		g.Go(func() error {
			r.handleFeedEntry(gctx, entry, canonical)
			return gctx.Err()
		})
	}
	return g.Wait()
}

// handleFeedEntry turns one feed entry into a candidate, resolving full
// text through Tier 2 extraction when the feed body is a teaser.
func (r *checkRun) handleFeedEntry(ctx context.Context, entry feed.Entry, canonical string) {
	cand := &Candidate{
		SourceID:     r.src.Identifier,
		CanonicalURL: canonical,
		OriginalURL:  entry.Link,
		Title:        entry.Title,
		BodyHTML:     entry.BodyHTML,
		Author:       entry.Author,
		Published:    entry.Published,
		Tags:         entry.Categories,
		Method:       "feed",
	}
	if entry.NeedsFullText {
		full, err := r.fetchArticle(ctx, canonical, entry.Link)
		if err != nil {
			r.articleError(err, canonical)
			return
		}
		mergeCandidate(cand, full)
	}
	r.process(ctx, cand)
}

// checkDiscovery is Tier 2: walk listing pages, discover post links, and
// extract each unseen post.
func (r *checkRun) checkDiscovery(ctx context.Context) error {
	listings := r.hints.Discovery.ListingURLs
	if max := r.hints.Discovery.MaxPages; max > 0 && len(listings) > max {
		listings = listings[:max]
	}

	var fetched int
	var lastErr error
	budget := r.maxArticles()

	for i, listing := range listings {
		resp, err := r.fetchPrimary(ctx, listing, i == 0 && len(listings) == 1)
		if err != nil {
			lastErr = err
			r.log.Warn("checker: listing fetch failed", "listing", listing, "error", err)
			continue
		}
		fetched++
		if resp.NotModified() {
			r.result.NotModified = true
			continue
		}

		links, err := scrape.Links(resp.Body, resp.FinalURL, r.hints.Discovery.PostLinkSelector)
		if err != nil {
			lastErr = fmt.Errorf("discover links: %w", err)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.checker.cfg.Concurrency)
		for _, link := range links {
			if budget <= 0 {
				break
			}
			if !r.scope.AllowsPost(link) {
				continue
			}
			canonical, skip := r.admit(ctx, link)
			if skip {
				continue
			}
			budget--
			g.Go(func() error {
				cand, err := r.fetchArticle(gctx, canonical, link)
				if err != nil {
					r.articleError(err, canonical)
					return gctx.Err()
				}
				r.process(gctx, cand)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if fetched == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// checkLegacy is Tier 3: heuristics only. The source page is treated as a
// listing; discovered same-scope links are extracted with the density
// heuristics, and when nothing links out, the page itself is the article.
func (r *checkRun) checkLegacy(ctx context.Context) error {
	resp, err := r.fetchPrimary(ctx, r.src.URL, true)
	if err != nil {
		return err
	}
	if resp.NotModified() {
		r.result.NotModified = true
		return nil
	}

	links, _ := scrape.Links(resp.Body, resp.FinalURL, "")
	budget := r.maxArticles()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.checker.cfg.Concurrency)
	scheduled := 0
	for _, link := range links {
		if budget <= 0 {
			break
		}
		if !r.scope.AllowsPost(link) {
			continue
		}
		canonical, skip := r.admit(ctx, link)
		if skip {
			continue
		}
		budget--
		scheduled++
		g.Go(func() error {
			cand, err := r.fetchArticle(gctx, canonical, link)
			if err != nil {
				r.articleError(err, canonical)
				return gctx.Err()
			}
			r.process(gctx, cand)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if scheduled == 0 {
		// No discoverable posts: the page itself is the content.
		canonical, skip := r.admit(ctx, resp.FinalURL)
		if skip {
			return nil
		}
		cand, err := candidateFromPage(r.src.Identifier, canonical, resp.FinalURL, resp.Body, r.hints.Extract)
		if err != nil {
			r.articleError(err, canonical)
			return nil
		}
		r.process(ctx, cand)
	}
	return nil
}

// admit canonicalizes a candidate URL and decides whether to process it:
// bad or already-seen URLs are skipped. No tracking row is written here;
// the durable record comes from the article insert transaction (or the
// alias/rejection marks), so a candidate whose fetch fails transiently is
// retried on the next check.
func (r *checkRun) admit(ctx context.Context, link string) (canonical string, skip bool) {
	if link == "" {
		return "", true
	}
	canonical, err := urlnorm.Canonicalize(link)
	if err != nil {
		return "", true
	}
	if u, err := url.Parse(canonical); err != nil || !r.scope.InScope(u) {
		return "", true
	}
	seen, err := r.checker.store.SeenURL(ctx, r.src.Identifier, canonical)
	if err != nil || seen {
		return "", true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admitted[canonical] {
		// The same URL can surface on several listing pages in one run.
		return "", true
	}
	if r.admitted == nil {
		r.admitted = make(map[string]bool)
	}
	r.admitted[canonical] = true
	r.result.Seen++
	return canonical, false
}

// fetchArticle fetches one candidate page and extracts it: PDFs through
// the PDF text extractor, HTML through Tier 2 structure with the Tier 3
// heuristics as fallback.
func (r *checkRun) fetchArticle(ctx context.Context, canonical, original string) (*Candidate, error) {
	resp, err := r.fetch(ctx, r.request(original))
	if err != nil {
		if status := fetch.StatusOf(err); (status == 404 || status == 410) && !r.opt.DryRun {
			if derr := r.checker.store.DeactivateURL(ctx, r.src.Identifier, canonical); derr != nil {
				r.log.Warn("checker: deactivate url", "url", canonical, "error", derr)
			}
		}
		return nil, err
	}

	if resp.ContentType() == "application/pdf" || pdftext.IsPDF(resp.Body) {
		return candidateFromPDF(r.src.Identifier, canonical, original, resp.Body)
	}
	return candidateFromPage(r.src.Identifier, canonical, original, resp.Body, r.hints.Extract)
}

// candidateFromPage extracts an HTML page: structured extraction first,
// density heuristics as fallback.
func candidateFromPage(sourceID, canonical, original string, body []byte, hints ExtractHints) (*Candidate, error) {
	art, err := scrape.Extract(body, hints.ScrapeHints())
	if err == nil && art.HasBody() {
		return &Candidate{
			SourceID:     sourceID,
			CanonicalURL: canonical,
			OriginalURL:  original,
			Title:        art.Title,
			BodyHTML:     art.BodyHTML,
			BodyText:     art.BodyText,
			Author:       art.Author,
			Published:    art.Published,
			Method:       art.Method,
		}, nil
	}

	heur, herr := htmlheur.Extract(body)
	if herr != nil {
		if err == nil {
			err = herr
		}
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	cand := &Candidate{
		SourceID:     sourceID,
		CanonicalURL: canonical,
		OriginalURL:  original,
		Title:        heur.Title,
		BodyHTML:     heur.BodyHTML,
		Published:    heur.Published,
		Method:       "heuristic",
	}
	if art != nil {
		// Structured metadata without a body still beats the heuristics
		// for title and date.
		mergeCandidate(cand, &Candidate{
			Title:     art.Title,
			Author:    art.Author,
			Published: art.Published,
		})
	}
	return cand, nil
}

func candidateFromPDF(sourceID, canonical, original string, body []byte) (*Candidate, error) {
	res, err := pdftext.Extract(body)
	if err != nil {
		return nil, fmt.Errorf("pdf extract: %w", err)
	}
	return &Candidate{
		SourceID:     sourceID,
		CanonicalURL: canonical,
		OriginalURL:  original,
		Title:        res.Title,
		BodyText:     res.Text,
		Method:       "pdf",
	}, nil
}

// mergeCandidate fills empty fields of dst from src, preferring a real
// full-text body over a teaser.
func mergeCandidate(dst, src *Candidate) {
	if src == nil {
		return
	}
	if src.BodyHTML != "" || src.BodyText != "" {
		dst.BodyHTML = src.BodyHTML
		dst.BodyText = src.BodyText
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Author == "" {
		dst.Author = src.Author
	}
	if dst.Published.IsZero() {
		dst.Published = src.Published
	}
	if dst.Method == "feed" && src.Method != "" {
		dst.Method = "feed+" + src.Method
	}
}

// process hands a candidate to the Processor and tallies the outcome.
func (r *checkRun) process(ctx context.Context, cand *Candidate) {
	if r.opt.DryRun {
		return
	}
	res, err := r.checker.proc.Process(ctx, r.src, cand)
	if err != nil {
		r.mu.Lock()
		r.result.Failed++
		r.mu.Unlock()
		r.log.Warn("checker: process failed", "url", cand.CanonicalURL, "error", err)
		return
	}
	r.mu.Lock()
	switch res.Disposition {
	case Stored:
		r.result.New++
	case DuplicateExact, DuplicateNear:
		r.result.Duplicates++
	case Rejected:
		r.result.Rejected++
	}
	r.mu.Unlock()

	if res.Disposition == Rejected {
		// Rejection is a verdict on the content, not a transient fault:
		// mark the URL so later checks do not re-extract it. Stored and
		// duplicate outcomes already wrote their tracking rows.
		if err := r.checker.store.TouchURL(ctx, cand.SourceID, cand.CanonicalURL); err != nil {
			r.log.Warn("checker: track rejected url", "url", cand.CanonicalURL, "error", err)
		}
	}
}

// articleError tallies a per-candidate failure; these never fail the
// source as long as something else succeeded.
func (r *checkRun) articleError(err error, canonical string) {
	r.mu.Lock()
	r.result.Failed++
	r.mu.Unlock()
	r.log.Warn("checker: candidate failed", "url", canonical,
		"kind", string(errorKind(err)), "error", err)
}
