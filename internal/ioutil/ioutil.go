// Package ioutil holds small deadline-bounded read helpers shared by the
// upstream transports and the reverse DoH server.
package ioutil

import (
	"fmt"
	"net"
	"time"
)

// ReadTimeout reads into buf from conn, failing if nothing arrives within
// timeout. Mirrors the original's read_buffered_timeout: a short-read
// within the deadline is not an error, only a full timeout with zero
// bytes filled is.
func ReadTimeout(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("ioutil: set read deadline: %w", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		return n, fmt.Errorf("ioutil: read timed out or failed: %w", err)
	}
	return n, nil
}

// ReadFullTimeout reads exactly len(buf) bytes from conn before timeout
// elapses, for reads whose size is known up front (the DoH/1.1 client
// uses it to finish a body of declared Content-Length).
func ReadFullTimeout(conn net.Conn, buf []byte, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("ioutil: set read deadline: %w", err)
	}
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return fmt.Errorf("ioutil: short read (%d of %d bytes): %w", read, len(buf), err)
		}
		read += n
	}
	return nil
}

// ReadUDPTimeout reads one datagram from conn before deadline elapses.
func ReadUDPTimeout(conn *net.UDPConn, buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("ioutil: set read deadline: %w", err)
	}
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return n, addr, fmt.Errorf("ioutil: udp read timed out or failed: %w", err)
	}
	return n, addr, nil
}
