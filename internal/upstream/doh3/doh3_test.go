package doh3

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"cloakdns/internal/config"
)

func TestBuildRequestURL(t *testing.T) {
	base := url.URL{Scheme: "https", Host: "dns.example.com", Path: "/dns-query"}
	query := []byte{5, 6, 7}
	got := buildRequestURL(base, query)
	if !strings.HasPrefix(got, "https://dns.example.com/dns-query?dns=") {
		t.Fatalf("unexpected url: %q", got)
	}
	encoded := base64.RawURLEncoding.EncodeToString(query)
	if !strings.Contains(got, encoded) {
		t.Fatalf("missing encoded query in %q", got)
	}
}

func TestBuildQUICConfigDefaults(t *testing.T) {
	cfg := buildQUICConfig(config.Quic{})
	if cfg.MaxIdleTimeout <= 0 {
		t.Fatalf("expected a positive default idle timeout")
	}
}

func TestBuildQUICConfigHonorsKeepAlive(t *testing.T) {
	cfg := buildQUICConfig(config.Quic{KeepAliveInterval: 5})
	if cfg.KeepAlivePeriod.Seconds() != 5 {
		t.Fatalf("expected keep-alive period to be honored, got %v", cfg.KeepAlivePeriod)
	}
}
