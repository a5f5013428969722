// Package doh3 implements the DNS-over-HTTPS/3 upstream transport: one
// QUIC connection carries every in-flight query as its own HTTP/3
// request, negotiated with an optional burst of decoy UDP datagrams
// sent ahead of the handshake to blend the QUIC Initial packet into
// surrounding noise.
package doh3

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
	"cloakdns/internal/health"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/noise"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// maxRequestFailures is how many consecutive failed requests over one
// QUIC connection mark it unhealthy and force the transport to be
// rotated instead of continuing to push queries through a dead path.
const maxRequestFailures = 3

// Run serves DNS queries received on cfg.ServeAddrs by forwarding them
// as HTTP/3 GET requests over a single reused QUIC connection. Grounded
// on the original's http3()/send_request(): a custom dialer binds one
// UDP socket, optionally pre-seeds it with noise, and hands it to the
// QUIC layer so the same fragmenting/noise story the TLS transports
// use also covers the QUIC Initial packet.
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

	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddrs)
	if err != nil {
		return err
	}

	newTransport := func() *http3.Transport {
		return &http3.Transport{
			TLSClientConfig:    tlsutil.ClientConfig(cfg, remoteAddr.IP, []string{"h3"}),
			QUICConfig:         buildQUICConfig(cfg.Quic),
			DisableCompression: true,
			Dial: func(dialCtx context.Context, _ string, tlsCfg *tls.Config, quicCfg *quic.Config) (*quic.Conn, error) {
				return dialQUIC(dialCtx, cfg, dialer, remoteAddr, tlsCfg, quicCfg)
			},
		}
	}

	var current atomic.Pointer[http3.Transport]
	current.Store(newTransport())
	defer current.Load().Close()

	keepAliveTTL := time.Duration(cfg.ConnectionKeepAlive) * time.Second
	var tracker atomic.Pointer[health.Tracker]
	tracker.Store(health.NewTracker(keepAliveTTL))

	path := cfg.CustomHTTPPath
	if path == "" {
		path = "/dns-query"
	}
	requestURL := url.URL{Scheme: "https", Host: cfg.ServerName, Path: path}

	buf := make([]byte, 768)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		udp.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := udp.ReadFromUDP(buf)
		if err != nil {
			if !tracker.Load().Healthy(cfg.RemoteAddrs, maxRequestFailures) {
				log.Warn().Str("remote", cfg.RemoteAddrs).Msg("doh3: connection unhealthy, rotating transport")
				old := current.Swap(newTransport())
				old.Close()
				tracker.Store(health.NewTracker(keepAliveTTL))
			}
			continue
		}
		if n < 12 {
			continue
		}
		if rule.Check(rules, buf[:n], addr, udp) {
			continue
		}
		query := append([]byte(nil), buf[:n]...)
		transport := current.Load()
		remoteTracker := tracker.Load()
		go func() {
			if err := sendRequest(ctx, transport, requestURL, cfg, overwrite, query, addr, udp); err != nil {
				log.Warn().Err(err).Msg("doh3: request failed")
				remoteTracker.MarkFailure(cfg.RemoteAddrs)
				return
			}
			remoteTracker.MarkSuccess(cfg.RemoteAddrs)
		}()
	}
}

// dialQUIC binds a fresh UDP socket per connection attempt (so noise
// can be injected ahead of the handshake) and dials with quic.DialEarly,
// which uses 0-RTT when a resumable session exists and a full handshake
// otherwise. If the handshake does not complete within
// cfg.Quic.ConnectingTimeout the attempt fails; no second dial is made.
func dialQUIC(ctx context.Context, cfg *config.Config, dialer netutil.Dialer, remoteAddr *net.UDPAddr, tlsCfg *tls.Config, quicCfg *quic.Config) (*quic.Conn, error) {
	udpConn, err := dialer.ListenUDP(remoteAddr.IP.To4() != nil)
	if err != nil {
		return nil, err
	}

	if cfg.Noise.Enable {
		noise.Send(udpConn, remoteAddr, cfg.Noise, cfg.ServerName)
	}

	deadline := time.Duration(cfg.Quic.ConnectingTimeout) * time.Second
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, err := quic.DialEarly(dialCtx, udpConn, remoteAddr, tlsCfg, quicCfg)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("doh3: quic dial failed: %w", err)
	}
	select {
	case <-conn.HandshakeComplete():
		log.Info().Bool("0rtt", conn.ConnectionState().Used0RTT).Msg("doh3: quic handshake complete")
		return conn, nil
	case <-dialCtx.Done():
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("doh3: handshake did not complete within connecting timeout")
	}
}

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

// buildRequestURL fills in the dns= query parameter on top of the base
// scheme/host/path, shared by every request issued over the connection.
func buildRequestURL(base url.URL, query []byte) string {
	u := base
	u.RawQuery = url.Values{"dns": []string{base64.RawURLEncoding.EncodeToString(query)}}.Encode()
	return u.String()
}

func sendRequest(ctx context.Context, transport *http3.Transport, base url.URL, cfg *config.Config, overwrite []ipoverwrite.Entry, query []byte, addr *net.UDPAddr, udp *net.UDPConn) error {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeoutDuration())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http3.MethodGet0RTT, buildRequestURL(base, query), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/dns-message")

	resp, err := transport.RoundTrip(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("doh3: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(overwrite) > 0 {
		ipoverwrite.Overwrite(body, overwrite)
	}
	_, err = udp.WriteToUDP(body, addr)
	return err
}
