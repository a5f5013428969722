// Package tlsutil assembles the TLS client configuration shared by every
// TCP-based upstream transport (DoH/1.1, DoH/1.1-multi, DoH/2, DoT) and
// provides the fragmenting net.Conn wrapper that lets ClientHello
// fragmentation hook into the standard library's TLS handshake without a
// rustls-style mid-handshake callback.
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"cloakdns/internal/config"
	"cloakdns/internal/fragment"
	"cloakdns/internal/netutil"
)

// ClientConfig builds the tls.Config shared by all TCP upstreams: ALPN
// set by the caller, 0-RTT-capable session resumption, SNI selection
// (domain name or remote IP, per IPAsSNI), and optional certificate
// validation bypass. Equivalent to the original's tlsconf plus the
// server-name branch of tls_conn_gen.
func ClientConfig(cfg *config.Config, remoteIP net.IP, alpn []string) *tls.Config {
	serverName := cfg.ServerName
	if cfg.IPAsSNI {
		serverName = remoteIP.String()
	}
	return &tls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		InsecureSkipVerify: cfg.DisableCertValidation,
		ClientSessionCache: tls.NewLRUClientSessionCache(32),
	}
}

// Connect dials target over TCP (with retry/backoff and optional
// interface binding via dialer), wraps the connection so the first
// ClientHello write is fragmented per cfg.Fragmenting, and completes the
// TLS handshake. Equivalent to the original's tls_conn_gen plus
// tlsfragmenting.
func Connect(ctx context.Context, dialer netutil.Dialer, target string, connCfg config.Connection, tlsCfg *tls.Config, fragmenting config.Fragmenting) (*tls.Conn, error) {
	tcp, err := dialer.DialTCP(ctx, target, connCfg)
	if err != nil {
		return nil, err
	}
	var raw net.Conn = tcp
	if fragmenting.Enable {
		raw = &fragmentingConn{Conn: tcp, fragmenting: fragmenting}
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("tlsutil: handshake with %s failed: %w", target, err)
	}
	return tlsConn, nil
}

// fragmentingConn splits only the very first Write — the ClientHello —
// into several short TLS records per the configured method. Every
// subsequent write (application data, post-handshake messages) passes
// through unmodified.
type fragmentingConn struct {
	net.Conn
	fragmenting config.Fragmenting
	done        bool
}

func (f *fragmentingConn) Write(p []byte) (int, error) {
	if f.done {
		return f.Conn.Write(p)
	}
	f.done = true
	if err := fragment.Write(f.Conn, p, f.fragmenting); err != nil {
		return 0, err
	}
	return len(p), nil
}
