// Package doh2 implements the DNS-over-HTTPS/2 upstream transport: one
// TLS+h2 connection multiplexes every in-flight query as its own HTTP/2
// stream, so a slow query never blocks others behind it the way the
// single HTTP/1.1 connection does.
package doh2

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"cloakdns/internal/config"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// Run maintains one HTTP/2 connection to the remote resolver, dispatching
// every DNS query received on cfg.ServeAddrs as a concurrent GET request
// over its own stream. Grounded on the original's http2(): TCP+TLS dial,
// h2 handshake, then an unbounded recv-from-UDP loop that spawns one
// request per query.
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

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tlsCfg := tlsutil.ClientConfig(cfg, netutil.RemoteIP(cfg.RemoteAddrs), []string{"h2"})
		tlsConn, err := tlsutil.Connect(ctx, dialer, cfg.RemoteAddrs, cfg.Connection, tlsCfg, cfg.Fragmenting)
		if err != nil {
			log.Warn().Err(err).Msg("doh2: connection failed, retrying")
			sleepReconnect(ctx, cfg.Connection)
			continue
		}

		h2Transport := &http2.Transport{}
		clientConn, err := h2Transport.NewClientConn(tlsConn)
		if err != nil {
			log.Warn().Err(err).Msg("doh2: h2 handshake failed")
			tlsConn.Close()
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Msg("doh2: connection established")

		serve(ctx, clientConn, cfg, rules, overwrite, udp)
		tlsConn.Close()
	}
}

// serve reads queries off udp and spawns one goroutine per query to
// issue a GET request over clientConn, until the connection reports it
// can no longer accept streams.
func serve(ctx context.Context, clientConn *http2.ClientConn, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, udp *net.UDPConn) {
	var dead atomic.Bool
	buf := make([]byte, 768)
	for {
		if ctx.Err() != nil || dead.Load() || !clientConn.CanTakeNewRequest() {
			return
		}
		udp.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := udp.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n < 12 {
			continue
		}
		if rule.Check(rules, buf[:n], addr, udp) {
			continue
		}
		query := append([]byte(nil), buf[:n]...)
		go func() {
			if err := sendRequest(clientConn, cfg, overwrite, query, addr, udp); err != nil {
				log.Warn().Err(err).Msg("doh2: request failed")
				dead.Store(true)
			}
		}()
	}
}

// buildRequestURL assembles the GET target for one query, defaulting
// to /dns-query the same way the HTTP/1.1 transport's request builder
// does.
func buildRequestURL(serverName, customPath string, query []byte) string {
	encoded := base64.RawURLEncoding.EncodeToString(query)
	path := customPath
	if path == "" {
		path = "/dns-query"
	}
	return fmt.Sprintf("https://%s%s?dns=%s", serverName, path, encoded)
}

func sendRequest(clientConn *http2.ClientConn, cfg *config.Config, overwrite []ipoverwrite.Entry, query []byte, addr *net.UDPAddr, udp *net.UDPConn) error {
	req, err := http.NewRequest(http.MethodGet, buildRequestURL(cfg.ServerName, cfg.CustomHTTPPath, query), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := clientConn.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("doh2: unexpected status %d", resp.StatusCode)
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

func sleepReconnect(ctx context.Context, connCfg config.Connection) {
	d := time.Duration(connCfg.ReconnectSleep) * time.Second
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
