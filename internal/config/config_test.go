package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func minimalConfig() string {
	return `{
		"protocol": "h2",
		"server_name": "dns.example.com",
		"remote_addrs": "1.1.1.1:443",
		"serve_addrs": "127.0.0.1:53",
		"response_timeout": 5,
		"fragmenting": {"enable": false},
		"noise": {"enable": false},
		"quic": {},
		"connection": {},
		"doh_server": {"enable": false}
	}`
}

func TestLoadMinimal(t *testing.T) {
	path := writeTempConfig(t, minimalConfig())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol != ProtocolH2 {
		t.Fatalf("got protocol %q", cfg.Protocol)
	}
	if cfg.Connection.H1MultiConnections != 4 {
		t.Fatalf("expected default h1_multi_connections=4, got %d", cfg.Connection.H1MultiConnections)
	}
	if cfg.Quic.ConnectingTimeout != 8 {
		t.Fatalf("expected default connecting_timeout=8, got %d", cfg.Quic.ConnectingTimeout)
	}
}

func TestLoadRejectsBadProtocol(t *testing.T) {
	path := writeTempConfig(t, `{"protocol":"bogus","server_name":"x","remote_addrs":"1.1.1.1:443","serve_addrs":"127.0.0.1:53"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid protocol")
	}
}

func TestLoadRejectsFragmentSizeOutOfBounds(t *testing.T) {
	body := `{
		"protocol": "doq",
		"server_name": "dns.example.com",
		"remote_addrs": "1.1.1.1:443",
		"serve_addrs": "127.0.0.1:53",
		"fragmenting": {"enable": true, "method": "linear", "fragment_size": "1..300", "sleep_interval": "0..0", "segments": 2}
	}`
	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for fragment_size exceeding 255")
	}
}

func TestTargetTypeRoundTrip(t *testing.T) {
	block := TargetType{Block: true, BlockSet: []string{"AAAA"}}
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got TargetType
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Block || len(got.BlockSet) != 1 || got.BlockSet[0] != "AAAA" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	bypass := TargetType{DNSBypass: "8.8.8.8:53"}
	data, err = json.Marshal(bypass)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got = TargetType{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Block || got.DNSBypass != "8.8.8.8:53" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
