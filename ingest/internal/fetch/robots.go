package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsTTL is how long a fetched robots.txt stays cached.
const robotsTTL = 24 * time.Hour

// robotsMaxBytes caps robots.txt bodies; anything bigger is not a real
// robots file.
const robotsMaxBytes = 512 * 1024

type robotsEntry struct {
	data      *robotstxt.RobotsData // nil means "allow everything"
	fetchedAt time.Time
}

// robotsCache caches parsed robots.txt per scheme://host. Fetch failures
// and server errors degrade to allow-all so an unreachable robots endpoint
// never blocks ingestion.
type robotsCache struct {
	mu      sync.Mutex
	entries map[string]robotsEntry
	now     func() time.Time
}

func newRobotsCache(now func() time.Time) *robotsCache {
	if now == nil {
		now = time.Now
	}
	return &robotsCache{entries: make(map[string]robotsEntry), now: now}
}

// allowed reports whether agent may fetch u per the host's robots.txt.
// The robots file itself is fetched with the supplied client, bypassing
// robots checks (robots.txt governs everything except itself).
func (rc *robotsCache) allowed(ctx context.Context, hc *http.Client, u *url.URL, agent string) bool {
	key := u.Scheme + "://" + u.Host

	rc.mu.Lock()
	entry, ok := rc.entries[key]
	fresh := ok && rc.now().Sub(entry.fetchedAt) < robotsTTL
	rc.mu.Unlock()

	if !fresh {
		entry = robotsEntry{data: rc.fetch(ctx, hc, key, agent), fetchedAt: rc.now()}
		rc.mu.Lock()
		rc.entries[key] = entry
		rc.mu.Unlock()
	}

	if entry.data == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return entry.data.FindGroup(agent).Test(path)
}

// fetch retrieves and parses robots.txt. Nil means allow-all: transport
// errors, 5xx, and unparseable bodies all degrade to permissive rather
// than blocking the source.
func (rc *robotsCache) fetch(ctx context.Context, hc *http.Client, origin, agent string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", agent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}

// agentToken reduces a full User-Agent string to the product token robots
// groups match on ("chasse/1.0 (+https://...)" → "chasse").
func agentToken(agent string) string {
	agent = strings.TrimSpace(agent)
	if i := strings.IndexAny(agent, "/ ("); i > 0 {
		return agent[:i]
	}
	return agent
}
