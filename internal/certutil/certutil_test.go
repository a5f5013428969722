package certutil

import (
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cloakdns.crt")
	keyPath := filepath.Join(dir, "cloakdns.key")

	if err := GenerateSelfSigned("dns.example.com", []string{"dns.example.com", "127.0.0.1"}, certPath, keyPath); err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	cert, err := LoadCertificate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCertificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected at least one certificate in chain")
	}
}

func TestLoadCertificateMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadCertificate(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key")); err == nil {
		t.Fatal("expected error for missing cert/key files")
	}
}
