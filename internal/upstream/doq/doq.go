// Package doq implements DNS-over-QUIC (RFC 9250): each query opens its
// own bidirectional QUIC stream carrying a 2-byte big-endian length
// prefix ahead of the DNS message, exactly like DoT's TCP framing but
// over QUIC streams instead of one shared byte stream.
package doq

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
	"cloakdns/internal/health"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/noise"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// maxProbeFailures is how many consecutive failed keep-alive probes
// mark a connection unhealthy and force a reconnect instead of letting
// the dead connection linger.
const maxProbeFailures = 3

type pendingQuery struct {
	payload []byte
	addr    *net.UDPAddr
}

// Run dials the remote resolver over QUIC and serves DNS queries
// received on cfg.ServeAddrs, one bidirectional stream per query.
// Grounded on the original's doq(): per-connection "tank" for the
// query in flight when the connection drops, a watcher goroutine that
// marks the connection dead as soon as conn.Context().Done() fires
// (the original's conn.closed().await), and an optional idle-probe
// keep-alive.
func Run(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	resolvedUDP, err := net.ResolveUDPAddr("udp", cfg.ServeAddrs)
	if err != nil {
		return err
	}
	udp, err := net.ListenUDP("udp", resolvedUDP)
	if err != nil {
		return err
	}
	defer udp.Close()

	var tank atomic.Pointer[pendingQuery]
	failures := 0

	keepAliveTTL := time.Duration(cfg.ConnectionKeepAlive) * time.Second
	tracker := health.NewTracker(keepAliveTTL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failures >= 3 {
			log.Warn().Msg("doq: max consecutive failures reached, sleeping 60s")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(60 * time.Second):
			}
			failures = 0
		}

		conn, err := connect(ctx, cfg, dialer)
		if err != nil {
			log.Error().Err(err).Msg("doq: connecting failed")
			failures++
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Msg("doq: connection established")
		failures = 0

		if !serve(ctx, conn, cfg, rules, overwrite, udp, &tank, tracker) {
			conn.CloseWithError(0, "")
			continue
		}
		conn.CloseWithError(0, "")
	}
}

func connect(ctx context.Context, cfg *config.Config, dialer netutil.Dialer) (*quic.Conn, error) {
	udpConn, err := dialer.ListenUDP(true)
	if err != nil {
		return nil, err
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddrs)
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	if cfg.Noise.Enable {
		noise.Send(udpConn, remoteAddr, cfg.Noise, cfg.ServerName)
	}

	tlsCfg := tlsutil.ClientConfig(cfg, remoteAddr.IP, []string{"doq"})
	quicCfg := buildQUICConfig(cfg.Quic)

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Quic.ConnectingTimeout)*time.Second)
	defer cancel()

	conn, err := quic.DialEarly(dialCtx, udpConn, remoteAddr, tlsCfg, quicCfg)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("doq: quic dial failed: %w", err)
	}
	select {
	case <-conn.HandshakeComplete():
		log.Info().Bool("0rtt", conn.ConnectionState().Used0RTT).Msg("doq: quic handshake complete")
	case <-dialCtx.Done():
		return nil, fmt.Errorf("doq: handshake timed out")
	}
	return conn, nil
}

// buildQUICConfig translates the Quic tuning knobs into a quic-go
// config, the same fields the teacher's tunnel client sets on its own
// *quic.Config.
func buildQUICConfig(q config.Quic) *quic.Config {
	cfg := &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	}
	if q.KeepAliveInterval > 0 {
		cfg.KeepAlivePeriod = time.Duration(q.KeepAliveInterval) * time.Second
	}
	if q.DatagramReceiveBufferSize > 0 {
		cfg.MaxConnectionReceiveWindow = uint64(q.DatagramReceiveBufferSize)
	}
	if q.DatagramSendBufferSize > 0 {
		cfg.MaxStreamReceiveWindow = uint64(q.DatagramSendBufferSize)
	}
	return cfg
}

func serve(ctx context.Context, conn *quic.Conn, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, udp *net.UDPConn, tank *atomic.Pointer[pendingQuery], tracker *health.Tracker) bool {
	var dead atomic.Bool
	go func() {
		<-conn.Context().Done()
		dead.Store(true)
	}()

	keepAlive := time.Duration(cfg.ConnectionKeepAlive) * time.Second
	buf := make([]byte, 514)

	for {
		if ctx.Err() != nil || dead.Load() {
			return true
		}

		var q *pendingQuery
		if stashed := tank.Swap(nil); stashed != nil {
			q = stashed
		} else {
			var addr *net.UDPAddr
			var n int
			var err error
			if keepAlive > 0 {
				udp.SetReadDeadline(time.Now().Add(keepAlive))
			} else {
				udp.SetReadDeadline(time.Now().Add(time.Second))
			}
			n, addr, err = udp.ReadFromUDP(buf[2:])
			if err != nil {
				if keepAlive > 0 {
					if !tracker.Healthy(cfg.RemoteAddrs, maxProbeFailures) {
						log.Warn().Str("remote", cfg.RemoteAddrs).Msg("doq: connection unhealthy, forcing reconnect")
						return false
					}
					probeKeepAlive(ctx, conn, tracker, cfg.RemoteAddrs)
				}
				continue
			}
			if n < 12 {
				continue
			}
			if rule.Check(rules, buf[2:2+n], addr, udp) {
				continue
			}
			q = &pendingQuery{payload: append([]byte(nil), buf[2:2+n]...), addr: addr}
		}

		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			log.Error().Err(err).Msg("doq: open stream failed")
			tank.Store(q)
			return false
		}
		go func(q *pendingQuery) {
			if err := sendQuery(stream, q, cfg, overwrite, udp); err != nil {
				log.Error().Err(err).Msg("doq: stream failed")
				tracker.MarkFailure(cfg.RemoteAddrs)
				dead.Store(true)
				return
			}
			tracker.MarkSuccess(cfg.RemoteAddrs)
		}(q)
	}
}

// probeKeepAlive opens a throwaway bidirectional stream to keep the
// connection's idle timer from firing when no query has arrived in a
// while, and feeds the outcome into tracker so repeated probe failures
// mark the remote unhealthy and trigger a reconnect instead of leaving
// a half-dead connection in place indefinitely.
func probeKeepAlive(ctx context.Context, conn *quic.Conn, tracker *health.Tracker, key string) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		tracker.MarkFailure(key)
		return
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(4 * time.Second))
	if _, err := stream.Write(nil); err != nil {
		tracker.MarkFailure(key)
		return
	}
	buf := make([]byte, 4096)
	if _, err := stream.Read(buf); err != nil && err != io.EOF {
		tracker.MarkFailure(key)
		return
	}
	tracker.MarkSuccess(key)
}

func sendQuery(stream *quic.Stream, q *pendingQuery, cfg *config.Config, overwrite []ipoverwrite.Entry, udp *net.UDPConn) error {
	stream.SetDeadline(time.Now().Add(cfg.ResponseTimeoutDuration()))

	framed := make([]byte, 2+len(q.payload))
	binary.BigEndian.PutUint16(framed[:2], uint16(len(q.payload)))
	copy(framed[2:], q.payload)
	if _, err := stream.Write(framed); err != nil {
		return err
	}
	// Half-close the write side: RFC 9250 sends exactly one query per
	// stream, so the server knows no more data is coming.
	stream.Close()

	var lenBuf [2]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint16(lenBuf[:])
	if size == 0 {
		return fmt.Errorf("doq: malformed response length")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(stream, body); err != nil {
		return err
	}
	if len(overwrite) > 0 {
		ipoverwrite.Overwrite(body, overwrite)
	}
	_, err := udp.WriteToUDP(body, q.addr)
	return err
}

func sleepReconnect(ctx context.Context, connCfg config.Connection) {
	d := time.Duration(connCfg.ReconnectSleep) * time.Second
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
