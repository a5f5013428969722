package dot

import (
	"net"
	"testing"
)

func TestWaitersPutTake(t *testing.T) {
	w := newWaiters()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5353}
	w.put(42, addr)

	got, ok := w.take(42)
	if !ok {
		t.Fatalf("expected waiter 42 to be present")
	}
	if got.String() != addr.String() {
		t.Fatalf("expected %v, got %v", addr, got)
	}

	if _, ok := w.take(42); ok {
		t.Fatalf("expected waiter 42 to be consumed after take")
	}
}

func TestWaitersTakeMissing(t *testing.T) {
	w := newWaiters()
	if _, ok := w.take(1); ok {
		t.Fatalf("expected no waiter for an unregistered id")
	}
}
