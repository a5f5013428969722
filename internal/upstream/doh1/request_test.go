package doh1

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestBuildGetRequestDefaultPath(t *testing.T) {
	query := []byte{0, 1, 2, 3}
	req := buildGetRequest("dns.example.com", "", query)
	s := string(req)
	if !strings.HasPrefix(s, "GET /dns-query?dns=") {
		t.Fatalf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Host: dns.example.com") {
		t.Fatalf("missing Host header: %q", s)
	}
	encoded := base64.RawURLEncoding.EncodeToString(query)
	if !strings.Contains(s, encoded) {
		t.Fatalf("missing encoded query %q in %q", encoded, s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Fatalf("request must end with blank line: %q", s)
	}
}

func TestBuildGetRequestCustomPath(t *testing.T) {
	req := buildGetRequest("dns.example.com", "/custom", []byte{9})
	if !strings.HasPrefix(string(req), "GET /custom?dns=") {
		t.Fatalf("unexpected request line: %q", req)
	}
}
