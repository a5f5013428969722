package fragment

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"cloakdns/internal/config"
)

func loadFragmenting(t *testing.T, method config.FragMethod) config.Fragmenting {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"protocol":     "h2",
		"server_name":  "dns.example.com",
		"remote_addrs": "1.1.1.1:443",
		"serve_addrs":  "127.0.0.1:53",
		"fragmenting": map[string]any{
			"enable":         true,
			"method":         method,
			"fragment_size":  "4..8",
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

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg.Fragmenting
}

func clientHello(bodyLen int) []byte {
	record := make([]byte, recordHeaderLen+bodyLen)
	copy(record, []byte{22, 3, 1, 0, byte(bodyLen)})
	for i := 0; i < bodyLen; i++ {
		record[recordHeaderLen+i] = byte(i)
	}
	return record
}

func reassemble(t *testing.T, wire []byte, wantBody []byte) {
	t.Helper()
	var got []byte
	for i := 0; i < len(wire); {
		if i+recordHeaderLen > len(wire) {
			t.Fatalf("truncated record header at offset %d", i)
		}
		payloadLen := int(wire[i+4])
		start := i + recordHeaderLen
		end := start + payloadLen
		if end > len(wire) {
			t.Fatalf("truncated record payload at offset %d", i)
		}
		got = append(got, wire[start:end]...)
		i = end
	}
	if !bytes.Equal(got, wantBody) {
		t.Fatalf("reassembled body mismatch: got %v, want %v", got, wantBody)
	}
}

func TestWriteLinearReassembles(t *testing.T) {
	fragmenting := loadFragmenting(t, config.FragLinear)
	hello := clientHello(20)

	var out bytes.Buffer
	if err := Write(&out, hello, fragmenting); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reassemble(t, out.Bytes(), hello[recordHeaderLen:])
}

func TestWriteSingleReassembles(t *testing.T) {
	fragmenting := loadFragmenting(t, config.FragSingle)
	hello := clientHello(17)

	var out bytes.Buffer
	if err := Write(&out, hello, fragmenting); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reassemble(t, out.Bytes(), hello[recordHeaderLen:])
}

func TestWriteRejectsShortInput(t *testing.T) {
	fragmenting := loadFragmenting(t, config.FragRandom)
	var out bytes.Buffer
	if err := Write(&out, []byte{1, 2, 3}, fragmenting); err == nil {
		t.Fatal("expected error for input shorter than the record header")
	}
}
