package urlguard

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/feed.xml", false},
		{"http://example.com/blog", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://192.168.1.1/api", true},
		{"http://[::1]/api", true},
		{"http://172.16.0.1/secret", true},
		{"http://169.254.169.254/latest/meta-data", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateURL_SchemeSentinel(t *testing.T) {
	if err := ValidateURL("gopher://example.com"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("expected ErrUnsafeScheme, got %v", err)
	}
	if err := ValidateURL("http://127.0.0.1/x"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("expected ErrSSRF, got %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("vendor_blog-01.feed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateIdentifier("../etc/passwd"); err == nil {
		t.Fatal("expected error for path traversal chars")
	}
	if err := ValidateIdentifier(""); err == nil {
		t.Fatal("expected error for empty identifier")
	}
	if err := ValidateIdentifier("has spaces"); err == nil {
		t.Fatal("expected error for spaces")
	}
	long := strings.Repeat("a", 257)
	if err := ValidateIdentifier(long); err == nil {
		t.Fatal("expected error for long identifier")
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.169.254", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", tt.ip)
		}
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
