package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind categorizes a fetch failure. Kinds are stable strings because they
// are persisted into source_checks rows and compared by operators.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindDNS              Kind = "dns"
	KindTLS              Kind = "tls"
	KindNetwork          Kind = "network"
	KindHTTP4xx          Kind = "http_4xx"
	KindHTTP5xx          Kind = "http_5xx"
	KindRobotsDisallowed Kind = "robots_disallowed"
	KindRateLimitedLocal Kind = "rate_limited_local"
	KindRateLimitedRemote Kind = "rate_limited_remote"
	KindOutOfScope       Kind = "out_of_scope"
)

// Error is a fetch failure tagged with its kind and, when an HTTP response
// was received, the status code.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s: http %d", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain; "" if err is not a fetch
// error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// StatusOf extracts the HTTP status from an error chain; 0 if none.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// Retryable reports whether the client should retry after this kind.
// Local rate limiting, robots denials, scope violations, and client errors
// are terminal: repeating the request cannot change the outcome.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindDNS, KindTLS, KindHTTP5xx, KindRateLimitedRemote:
		return true
	}
	return false
}

// classifyTransport maps a transport-level error (no HTTP response) to a
// Kind. Order matters: a DNS failure is also a net.Error, and a handshake
// timeout is both TLS and timeout; the more specific class wins.
func classifyTransport(err error) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var certErr *tls.CertificateVerificationError
	var recErr tls.RecordHeaderError
	var unkErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recErr) ||
		errors.As(err, &unkErr) || errors.As(err, &hostErr) {
		return KindTLS
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindNetwork
}

// classifyStatus maps an HTTP status >= 400 to a Kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimitedRemote
	case status >= 500:
		return KindHTTP5xx
	default:
		return KindHTTP4xx
	}
}
