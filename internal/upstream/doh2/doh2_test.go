package doh2

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestBuildRequestURLDefaultPath(t *testing.T) {
	query := []byte{1, 2, 3, 4}
	u := buildRequestURL("dns.example.com", "", query)
	if !strings.HasPrefix(u, "https://dns.example.com/dns-query?dns=") {
		t.Fatalf("unexpected url: %q", u)
	}
	encoded := base64.RawURLEncoding.EncodeToString(query)
	if !strings.Contains(u, encoded) {
		t.Fatalf("missing encoded query in %q", u)
	}
}

func TestBuildRequestURLCustomPath(t *testing.T) {
	u := buildRequestURL("dns.example.com", "/custom", []byte{9})
	if !strings.HasPrefix(u, "https://dns.example.com/custom?dns=") {
		t.Fatalf("unexpected url: %q", u)
	}
}
