package noise

import (
	"testing"

	"cloakdns/internal/config"
)

func TestPayloadAllTypesProduceBytes(t *testing.T) {
	types := []config.NoiseType{
		config.NoiseRand, config.NoiseDNS, config.NoiseStr, config.NoiseLSD,
		config.NoiseTracker, config.NoiseSTUN, config.NoiseTFTP, config.NoiseNTP, config.NoiseSyslog,
	}
	r := config.IntRange{Min: 100, Max: 200}
	for _, nt := range types {
		p, err := Payload(nt, "example.com", "resolver.example.com", r)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", nt, err)
		}
		if len(p) == 0 {
			t.Fatalf("%s: empty payload", nt)
		}
	}
}

func TestPayloadUnknownType(t *testing.T) {
	if _, err := Payload("bogus", "x", "y", config.IntRange{}); err == nil {
		t.Fatal("expected error for unknown noise type")
	}
}

func TestDNSQueryShape(t *testing.T) {
	p := dnsQuery("example.com")
	if len(p) < 12 {
		t.Fatalf("dns query too short: %d bytes", len(p))
	}
	// QDCOUNT should be 1.
	if p[4] != 0 || p[5] != 1 {
		t.Fatalf("expected QDCOUNT=1, got %d %d", p[4], p[5])
	}
}

func TestSTUNPayloadMagicCookie(t *testing.T) {
	p := stunPayload()
	if len(p) != 20 {
		t.Fatalf("expected 20-byte STUN header, got %d", len(p))
	}
	if p[4] != 33 || p[5] != 18 || p[6] != 164 || p[7] != 66 {
		t.Fatalf("magic cookie mismatch: %v", p[4:8])
	}
}
