// Package dot implements DNS-over-TLS (RFC 7858): each DNS message on
// the wire is prefixed with its own 2-byte big-endian length, sent over
// one long-lived TLS connection.
package dot

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// Run serves one query at a time over a single reused TLS connection:
// it blocks on the upstream round trip before accepting the next query
// off the listening socket. Grounded on the original's blocking dot():
// a connect-retry loop that, after cfg.Connection.MaxReconnect failed
// handshakes, cools down for MaxReconnectSleep seconds, specialized to
// DoT's 2-byte length-prefixed framing.
func Run(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	udp, err := net.ListenUDP("udp", mustResolveUDP(cfg.ServeAddrs))
	if err != nil {
		return err
	}
	defer udp.Close()

	retry := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retry >= cfg.Connection.MaxReconnect && cfg.Connection.MaxReconnect > 0 {
			log.Warn().Int("sleep", cfg.Connection.MaxReconnectSleep).Msg("dot: max retries reached, cooling down")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(cfg.Connection.MaxReconnectSleep) * time.Second):
			}
			retry = 0
		}

		tlsCfg := tlsutil.ClientConfig(cfg, netutil.RemoteIP(cfg.RemoteAddrs), []string{"dot"})
		conn, err := tlsutil.Connect(ctx, dialer, cfg.RemoteAddrs, cfg.Connection, tlsCfg, cfg.Fragmenting)
		if err != nil {
			log.Warn().Err(err).Msg("dot: tls handshake failed, retrying")
			retry++
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Msg("dot: connection established")
		retry = 0

		serve(ctx, conn, cfg, rules, overwrite, udp)
		conn.Close()
	}
}

// serve pulls one query at a time off udp, forwards it, and waits for
// the matching response before accepting the next one — DoT has no
// stream multiplexing the way DoH/2 or DoQ do, so queries are strictly
// serialized per connection.
func serve(ctx context.Context, conn *tls.Conn, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, udp *net.UDPConn) {
	query := make([]byte, 514)
	resp := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return
		}
		udp.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := udp.ReadFromUDP(query[2:])
		if err != nil {
			continue
		}
		if n < 12 {
			continue
		}
		if rule.Check(rules, query[2:2+n], addr, udp) {
			continue
		}
		binary.BigEndian.PutUint16(query[:2], uint16(n))

		if err := exchange(conn, cfg, overwrite, udp, query[:n+2], addr, resp); err != nil {
			log.Warn().Err(err).Msg("dot: exchange failed, reconnecting")
			return
		}
	}
}

func exchange(conn *tls.Conn, cfg *config.Config, overwrite []ipoverwrite.Entry, udp *net.UDPConn, framed []byte, addr *net.UDPAddr, resp []byte) error {
	conn.SetDeadline(time.Now().Add(cfg.ResponseTimeoutDuration()))
	if _, err := conn.Write(framed); err != nil {
		return err
	}

	n, err := conn.Read(resp)
	if err != nil {
		return err
	}
	if n < 2 {
		return nil
	}
	size := binary.BigEndian.Uint16(resp[:2])
	if int(size)+2 != n {
		return nil
	}
	body := resp[2:n]
	if len(overwrite) > 0 {
		ipoverwrite.Overwrite(body, overwrite)
	}
	_, err = udp.WriteToUDP(body, addr)
	return err
}

func sleepReconnect(ctx context.Context, connCfg config.Connection) {
	d := time.Duration(connCfg.ReconnectSleep) * time.Second
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func mustResolveUDP(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}
	return resolved
}
