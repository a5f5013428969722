package tlsutil

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"cloakdns/internal/config"
)

// loadFragmenting builds a fully validated Fragmenting value the same way
// cloakdns itself does, since its size/sleep ranges are only populated by
// config.Load's validation pass.
func loadFragmenting(t *testing.T) config.Fragmenting {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"protocol":     "h2",
		"server_name":  "dns.example.com",
		"remote_addrs": "1.1.1.1:443",
		"serve_addrs":  "127.0.0.1:53",
		"fragmenting": map[string]any{
			"enable":         true,
			"method":         "linear",
			"fragment_size":  "3..3",
			"sleep_interval": "0..0",
			"segments":       1,
		},
		"noise":      map[string]any{"enable": false},
		"quic":       map[string]any{},
		"connection": map[string]any{},
		"doh_server": map[string]any{"enable": false},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg.Fragmenting
}

func TestClientConfigServerNameSNI(t *testing.T) {
	cfg := &config.Config{ServerName: "dns.example.com"}
	tlsCfg := ClientConfig(cfg, net.ParseIP("1.2.3.4"), []string{"h2"})

	if tlsCfg.ServerName != "dns.example.com" {
		t.Fatalf("expected server_name SNI, got %q", tlsCfg.ServerName)
	}
	if len(tlsCfg.NextProtos) != 1 || tlsCfg.NextProtos[0] != "h2" {
		t.Fatalf("unexpected NextProtos: %v", tlsCfg.NextProtos)
	}
}

func TestClientConfigIPAsSNI(t *testing.T) {
	cfg := &config.Config{ServerName: "dns.example.com", IPAsSNI: true}
	tlsCfg := ClientConfig(cfg, net.ParseIP("1.2.3.4"), []string{"dot"})

	if tlsCfg.ServerName != "1.2.3.4" {
		t.Fatalf("expected remote IP as SNI, got %q", tlsCfg.ServerName)
	}
}

func TestClientConfigDisableCertValidation(t *testing.T) {
	cfg := &config.Config{ServerName: "dns.example.com", DisableCertValidation: true}
	tlsCfg := ClientConfig(cfg, net.ParseIP("1.2.3.4"), nil)

	if !tlsCfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify to be true")
	}
}

func TestFragmentingConnFragmentsFirstWriteOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fc := &fragmentingConn{Conn: client, fragmenting: loadFragmenting(t)}

	clientHello := []byte{22, 3, 1, 0, 3, 'a', 'b', 'c'}
	appData := []byte{23, 3, 3, 0, 2, 'h', 'i'}

	done := make(chan error, 1)
	go func() {
		if _, err := fc.Write(clientHello); err != nil {
			done <- err
			return
		}
		_, err := fc.Write(appData)
		done <- err
	}()

	got := make([]byte, 0, len(clientHello)+len(appData))
	buf := make([]byte, 64)
	for len(got) < len(clientHello)+len(appData) {
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		got = append(got, buf[:n]...)
	}

	if err := <-done; err != nil {
		t.Fatalf("fc.Write: %v", err)
	}

	if string(got[len(got)-len(appData):]) != string(appData) {
		t.Fatalf("expected the post-handshake write to pass through unmodified, got %v", got[len(got)-len(appData):])
	}
}
