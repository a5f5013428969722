package rule

import (
	"net"
	"testing"
	"time"

	"cloakdns/internal/config"
)

func TestCompileOptionDotted(t *testing.T) {
	got := compileOption("example.com")
	want := []byte{7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm'}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCompileOptionLiteral(t *testing.T) {
	got := compileOption("literal")
	if string(got) != "literal" {
		t.Fatalf("got %q", got)
	}
}

func TestCheckBlockAllTypes(t *testing.T) {
	rules, err := Compile([]config.Rule{
		{Options: []string{"blocked.test"}, Target: config.TargetType{Block: true}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dq := compileOption("blocked.test")
	dq = append(dq, 0, 1, 0, 1) // QTYPE A, QCLASS IN
	if !Check(rules, dq, nil, nil) {
		t.Fatal("expected block match")
	}
}

func TestCheckBlockSpecificTypeMismatch(t *testing.T) {
	rules, err := Compile([]config.Rule{
		{Options: []string{"blocked.test"}, Target: config.TargetType{Block: true, BlockSet: []string{"AAAA"}}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dq := compileOption("blocked.test")
	dq = append(dq, 0, 1, 0, 1) // QTYPE A — rule only blocks AAAA
	if Check(rules, dq, nil, nil) {
		t.Fatal("expected no match: QTYPE A should not match AAAA-only block")
	}
}

func TestCheckNoMatchFallsThrough(t *testing.T) {
	rules, err := Compile([]config.Rule{
		{Options: []string{"other.test"}, Target: config.TargetType{Block: true}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dq := compileOption("unrelated.test")
	dq = append(dq, 0, 1, 0, 1)
	if Check(rules, dq, nil, nil) {
		t.Fatal("expected no match")
	}
}

func TestCheckDNSBypassDispatches(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		buf := make([]byte, 512)
		n, addr, err := upstream.ReadFromUDP(buf)
		if err != nil {
			return
		}
		upstream.WriteToUDP(buf[:n], addr)
	}()

	reply, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen reply: %v", err)
	}
	defer reply.Close()

	rules, err := Compile([]config.Rule{
		{Options: []string{"bypass.test"}, Target: config.TargetType{DNSBypass: upstream.LocalAddr().String()}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dq := compileOption("bypass.test")
	dq = append(dq, 0, 1, 0, 1)

	clientAddr := reply.LocalAddr().(*net.UDPAddr)
	if !Check(rules, dq, clientAddr, reply) {
		t.Fatal("expected dns bypass match")
	}

	reply.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := reply.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected relayed response, got error: %v", err)
	}
	if string(buf[:n]) != string(dq) {
		t.Fatalf("relayed payload mismatch")
	}
}
