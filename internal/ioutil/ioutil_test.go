package ioutil

import (
	"net"
	"testing"
	"time"
)

func TestReadTimeoutSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("hi"))

	buf := make([]byte, 8)
	n, err := ReadTimeout(server, buf, time.Second)
	if err != nil {
		t.Fatalf("ReadTimeout: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("expected %q, got %q", "hi", buf[:n])
	}
}

func TestReadTimeoutExpires(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()

	buf := make([]byte, 8)
	if _, err := ReadTimeout(server, buf, 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestReadFullTimeoutAssemblesShortReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0x01})
		client.Write([]byte{0x02})
	}()

	buf := make([]byte, 2)
	if err := ReadFullTimeout(server, buf, time.Second); err != nil {
		t.Fatalf("ReadFullTimeout: %v", err)
	}
	if buf[0] != 0x01 || buf[1] != 0x02 {
		t.Fatalf("unexpected buf: %v", buf)
	}
}

func TestReadUDPTimeout(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer server.Close()

	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("query")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)
	n, addr, err := ReadUDPTimeout(server, buf, time.Second)
	if err != nil {
		t.Fatalf("ReadUDPTimeout: %v", err)
	}
	if string(buf[:n]) != "query" {
		t.Fatalf("expected %q, got %q", "query", buf[:n])
	}
	if addr == nil {
		t.Fatal("expected a non-nil sender address")
	}
}

func TestReadUDPTimeoutExpires(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer server.Close()

	buf := make([]byte, 16)
	if _, _, err := ReadUDPTimeout(server, buf, 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}
