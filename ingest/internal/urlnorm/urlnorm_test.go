package urlnorm_test

import (
	"errors"
	"testing"

	"github.com/hazyhaar/chasse/ingest/internal/urlnorm"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Blog/Post/", "https://example.com/Blog/Post"},
		{"https://example.com:443/post", "https://example.com/post"},
		{"http://example.com:80/post", "http://example.com/post"},
		{"http://example.com:8080/post", "http://example.com:8080/post"},
		{"https://example.com/post#comments", "https://example.com/post"},
		{"https://example.com/post?utm_source=x&utm_medium=y&id=7", "https://example.com/post?id=7"},
		{"https://example.com/post?gclid=abc&fbclid=def", "https://example.com/post"},
		{"https://example.com/post?b=2&a=1", "https://example.com/post?a=1&b=2"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com", "https://example.com"},
		{"https://example.com/post?sid=123&page=2", "https://example.com/post?page=2"},
	}
	for _, tc := range cases {
		got, err := urlnorm.Canonicalize(tc.in)
		if err != nil {
			t.Errorf("Canonicalize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// Canonicalize must be a fixed point on its own output.
func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://Example.COM:443/Post/?utm_campaign=x&b=2&a=1#frag",
		"http://example.com/a/b/c/",
		"https://example.com/post?z=9&a=1&a=0",
	}
	for _, in := range inputs {
		once, err := urlnorm.Canonicalize(in)
		if err != nil {
			t.Fatal(err)
		}
		twice, err := urlnorm.Canonicalize(once)
		if err != nil {
			t.Fatal(err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalizeRejects(t *testing.T) {
	for _, in := range []string{"", "ftp://example.com/x", "javascript:alert(1)", "not a url", "/relative/only"} {
		if _, err := urlnorm.Canonicalize(in); !errors.Is(err, urlnorm.ErrInvalidURL) {
			t.Errorf("Canonicalize(%q): got %v, want ErrInvalidURL", in, err)
		}
	}
}

func TestResolve(t *testing.T) {
	got, err := urlnorm.Resolve("https://example.com/blog/index.html", "../posts/One/?utm_source=f")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://example.com/posts/One" {
		t.Errorf("got %q", got)
	}

	got, err = urlnorm.Resolve("https://example.com/blog/", "https://other.example.org/p")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://other.example.org/p" {
		t.Errorf("absolute href should win, got %q", got)
	}
}
