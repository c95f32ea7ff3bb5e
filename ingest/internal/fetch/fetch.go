// Package fetch is the polite HTTP client under the collection pipeline:
// per-domain token buckets, robots.txt compliance, conditional GET, bounded
// retries with backoff, and in-scope redirect following. Every failure is
// tagged with a Kind so callers can classify without string matching.
package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/chasse/urlguard"
)

// Config configures a Client.
type Config struct {
	// Timeout bounds one attempt, connect to last body byte. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps response bodies. Default: 10MB.
	MaxBytes int64
	// UserAgent sent with every request unless the request overrides it.
	UserAgent string
	// RatePerMinute is the default per-domain request budget. Default: 30.
	RatePerMinute float64
	// MaxRateWait bounds how long an acquire may block on the local token
	// bucket before failing with rate_limited_local. Default: 30s.
	MaxRateWait time.Duration
	// MaxAttempts bounds total tries per fetch, first attempt included.
	// Default: 4.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt with
	// ±25% jitter. Default: 1s.
	RetryBase time.Duration
	// Validator rejects URLs before dialing (SSRF). Default:
	// urlguard.ValidateURL.
	Validator urlguard.Validator
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "chasse/1.0 (+https://github.com/hazyhaar/chasse)"
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.MaxRateWait <= 0 {
		c.MaxRateWait = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Validator == nil {
		c.Validator = urlguard.ValidateURL
	}
}

// Request describes one fetch. Zero-valued fields fall back to the client
// Config.
type Request struct {
	URL string
	// Conditional headers; empty means unconditional.
	IfNoneMatch     string
	IfModifiedSince string
	// UserAgent overrides the client default (per-source UA overrides).
	UserAgent string
	// RatePerMinute overrides the per-domain budget for this host.
	RatePerMinute float64
	// MaxBytes overrides the body cap.
	MaxBytes int64
	// InScope is consulted on every redirect hop; leaving scope is the
	// terminal error out_of_scope. Nil allows all hops that pass the SSRF
	// validator.
	InScope func(*url.URL) bool
}

// Response is a completed fetch. A 304 carries no body.
type Response struct {
	Status       int
	Header       http.Header
	Body         []byte
	FinalURL     string
	ETag         string
	LastModified string
	Elapsed      time.Duration
}

// NotModified reports whether the server answered 304 to a conditional GET.
func (r *Response) NotModified() bool { return r.Status == http.StatusNotModified }

// ContentType returns the media type without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

type scopeKey struct{}

// Client is the polite fetcher. Safe for concurrent use; token buckets and
// the robots cache are shared across all callers so per-domain budgets hold
// across workers.
type Client struct {
	hc       *http.Client
	cfg      Config
	limiters *hostLimiters
	robots   *robotsCache
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	validate := cfg.Validator
	return &Client{
		cfg:      cfg,
		limiters: newHostLimiters(),
		robots:   newRobotsCache(nil),
		hc: &http.Client{
			// Per-attempt deadline comes from the request context.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return &Error{Kind: KindNetwork, URL: req.URL.String(),
						Err: fmt.Errorf("too many redirects (%d)", len(via))}
				}
				if err := validate(req.URL.String()); err != nil {
					return &Error{Kind: KindOutOfScope, URL: req.URL.String(), Err: err}
				}
				if inScope, ok := req.Context().Value(scopeKey{}).(func(*url.URL) bool); ok && inScope != nil {
					if !inScope(req.URL) {
						return &Error{Kind: KindOutOfScope, URL: req.URL.String(),
							Err: fmt.Errorf("redirect left source scope")}
					}
				}
				return nil
			},
		},
	}
}

// Fetch performs a GET with rate limiting, robots compliance, and retries.
// On failure the returned error is always a *Error; the *Response is nil
// except for HTTP-status failures, where it carries status and headers.
func (c *Client) Fetch(ctx context.Context, r Request) (*Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: r.URL, Err: err}
	}
	if err := c.cfg.Validator(r.URL); err != nil {
		return nil, &Error{Kind: KindOutOfScope, URL: r.URL, Err: err}
	}
	if r.InScope != nil && !r.InScope(u) {
		return nil, &Error{Kind: KindOutOfScope, URL: r.URL,
			Err: fmt.Errorf("URL outside source scope")}
	}

	agent := r.UserAgent
	if agent == "" {
		agent = c.cfg.UserAgent
	}
	perMinute := r.RatePerMinute
	if perMinute <= 0 {
		perMinute = c.cfg.RatePerMinute
	}
	maxBytes := r.MaxBytes
	if maxBytes <= 0 {
		maxBytes = c.cfg.MaxBytes
	}

	if !c.robots.allowed(ctx, c.attemptClient(), u, agentToken(agent)) {
		return nil, &Error{Kind: KindRobotsDisallowed, URL: r.URL}
	}

	var lastErr error
	var retryAfter time.Duration
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &Error{Kind: KindTimeout, URL: r.URL, Err: ctx.Err()}
			}
		}

		if !c.limiters.wait(ctx, u.Hostname(), perMinute, c.cfg.MaxRateWait) {
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindTimeout, URL: r.URL, Err: ctx.Err()}
			}
			return nil, &Error{Kind: KindRateLimitedLocal, URL: r.URL}
		}

		resp, err := c.attempt(ctx, r, agent, maxBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if kind := KindOf(err); !kind.Retryable() {
			return resp, err
		}
		retryAfter = 0
		if resp != nil && resp.Status == http.StatusTooManyRequests {
			retryAfter = RetryAfter(resp.Header, time.Now())
		}
	}
	return nil, lastErr
}

// attempt runs one HTTP round trip with the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, r Request, agent string, maxBytes int64) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if r.InScope != nil {
		actx = context.WithValue(actx, scopeKey{}, r.InScope)
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: r.URL, Err: err}
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/xml;q=0.9, */*;q=0.8")
	if r.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", r.IfNoneMatch)
	}
	if r.IfModifiedSince != "" {
		req.Header.Set("If-Modified-Since", r.IfModifiedSince)
	}

	start := time.Now()
	httpResp, err := c.hc.Do(req)
	if err != nil {
		// A scope violation inside CheckRedirect surfaces wrapped in a
		// *url.Error; keep the original kind.
		if kind := KindOf(err); kind != "" {
			return nil, &Error{Kind: kind, URL: r.URL, Err: err}
		}
		return nil, &Error{Kind: classifyTransport(err), URL: r.URL, Err: err}
	}
	defer httpResp.Body.Close()

	resp := &Response{
		Status:       httpResp.StatusCode,
		Header:       httpResp.Header,
		FinalURL:     httpResp.Request.URL.String(),
		ETag:         httpResp.Header.Get("ETag"),
		LastModified: httpResp.Header.Get("Last-Modified"),
	}

	if httpResp.StatusCode == http.StatusNotModified {
		resp.Elapsed = time.Since(start)
		return resp, nil
	}
	if httpResp.StatusCode >= 400 {
		resp.Elapsed = time.Since(start)
		return resp, &Error{Kind: classifyStatus(httpResp.StatusCode),
			Status: httpResp.StatusCode, URL: r.URL}
	}

	body, err := urlguard.LimitedReadAll(httpResp.Body, maxBytes)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), URL: r.URL, Err: err}
	}
	resp.Body = body
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// attemptClient returns the client used for side fetches (robots.txt): same
// transport, plain timeout, default redirect handling.
func (c *Client) attemptClient() *http.Client {
	return &http.Client{Timeout: c.cfg.Timeout}
}

// backoff computes the delay before retry `attempt` (1-based): exponential
// from RetryBase with ±25% jitter. The caller raises it to Retry-After when
// the server asked for more.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.RetryBase << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}

// RetryAfter parses a Retry-After header value: either delta-seconds or an
// HTTP date. Zero when absent or unparseable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
