// Package urlnorm canonicalizes article and source URLs so dedup and URL
// tracking compare stable strings. Canonicalize is idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL marks input that cannot be canonicalized.
var ErrInvalidURL = errors.New("urlnorm: invalid url")

// trackingParams are query keys dropped outright. Matching is exact except
// for the utm_ prefix.
var trackingParams = map[string]bool{
	"gclid":      true,
	"fbclid":     true,
	"msclkid":    true,
	"mc_cid":     true,
	"mc_eid":     true,
	"igshid":     true,
	"sid":        true,
	"session":    true,
	"sessionid":  true,
	"session_id": true,
	"phpsessid":  true,
	"jsessionid": true,
	"ref_src":    true,
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm_") || trackingParams[k]
}

// Canonicalize normalizes a URL: lowercase scheme and host, strip default
// ports, drop the fragment, strip tracking params, sort query keys, and
// trim the trailing slash on paths longer than one character. Only http
// and https URLs are accepted.
func Canonicalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Host = strings.TrimSuffix(parsed.Host, defaultPort(scheme))
	parsed.Fragment = ""
	parsed.User = nil

	if len(parsed.Path) > 1 {
		parsed.Path = strings.TrimRight(parsed.Path, "/")
	}
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		parsed.RawQuery = sortedQuery(parsed.Query())
	}
	return parsed.String(), nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return ":443"
	}
	return ":80"
}

func sortedQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if isTrackingParam(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		vals := params[k]
		sort.Strings(vals)
		for _, v := range vals {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(k))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(v))
		}
	}
	return buf.String()
}

// Resolve resolves a possibly-relative href against a base URL and
// canonicalizes the result.
func Resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: base %v", ErrInvalidURL, err)
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return Canonicalize(b.ResolveReference(h).String())
}
