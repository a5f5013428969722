package netutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
)

// Dialer builds TCP/UDP connections bound to an optional network interface
// and carrying the configured Linux socket options.
type Dialer struct {
	Interface string
	Options   SocketOptions
}

// DialTCP connects to target, retrying forever on failure at
// cfg.ReconnectSleep intervals — mirroring the original's
// tcp_connect_handle loop, which never gives up on a dead remote.
func (d Dialer) DialTCP(ctx context.Context, target string, cfg config.Connection) (*net.TCPConn, error) {
	sleep := time.Duration(cfg.ReconnectSleep) * time.Second
	if sleep <= 0 {
		sleep = time.Second
	}
	for {
		conn, err := d.dialTCPOnce(ctx, target)
		if err == nil {
			return conn, nil
		}
		log.Warn().Err(err).Str("target", target).Dur("retry_in", sleep).Msg("tcp connect failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (d Dialer) dialTCPOnce(ctx context.Context, target string) (*net.TCPConn, error) {
	dialer := &net.Dialer{}
	if d.Interface != "" {
		ipv4 := true
		if host, _, err := net.SplitHostPort(target); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				ipv4 = ip.To4() != nil
			}
		}
		ip, err := ResolveInterfaceAddr(d.Interface, ipv4)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	raw, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("netutil: dial tcp %s: %w", target, err)
	}
	conn := raw.(*net.TCPConn)
	if err := SetLinuxOptions(conn, d.Options); err != nil {
		log.Debug().Err(err).Msg("failed to apply linux socket options")
	}
	return conn, nil
}

// ListenUDP opens a UDP socket, optionally bound to the configured
// interface, for use by the noise injector and QUIC transports that need
// the raw socket before the handshake begins.
func (d Dialer) ListenUDP(ipv4 bool) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero}
	if !ipv4 {
		addr = &net.UDPAddr{IP: net.IPv6unspecified}
	}
	if d.Interface != "" {
		ip, err := ResolveInterfaceAddr(d.Interface, ipv4)
		if err != nil {
			return nil, err
		}
		addr.IP = ip
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen udp: %w", err)
	}
	return conn, nil
}
