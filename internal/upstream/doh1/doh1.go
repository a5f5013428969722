package doh1

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/bufutil"
	"cloakdns/internal/config"
	"cloakdns/internal/ioutil"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// query is a single DNS question captured off the listening UDP socket,
// along with the client address it must eventually be answered at — the
// "tank" the original stashes a query in across a reconnect.
type query struct {
	payload []byte
	addr    *net.UDPAddr
}

// Run drives a single persistent HTTP/1.1-over-TLS connection to the
// remote resolver: it accepts DNS queries on cfg.ServeAddrs, forwards
// each as a GET request, and relays the response back. On any read/write
// failure it reconnects and resends the in-flight query before reading a
// new one — the "tank" behavior from the original's client loop. A resend
// that fails again is stashed again for the next connection.
func Run(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	udp, err := net.ListenUDP("udp", mustResolveUDP(cfg.ServeAddrs))
	if err != nil {
		return err
	}
	defer udp.Close()

	var tank atomic.Pointer[query]

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tlsCfg := tlsutil.ClientConfig(cfg, netutil.RemoteIP(cfg.RemoteAddrs), []string{"http/1.1"})
		conn, err := tlsutil.Connect(ctx, dialer, cfg.RemoteAddrs, cfg.Connection, tlsCfg, cfg.Fragmenting)
		if err != nil {
			log.Warn().Err(err).Msg("doh1: connection failed, retrying")
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Msg("doh1: connection established")

		if !serveConnection(ctx, conn, cfg, rules, overwrite, udp, &tank) {
			conn.Close()
			continue
		}
		conn.Close()
	}
}

// serveConnection drives request/response exchanges over one TLS
// connection until it dies, returning false to signal the caller should
// reconnect, or true once ctx is canceled.
func serveConnection(ctx context.Context, conn *tls.Conn, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, udp *net.UDPConn, tank *atomic.Pointer[query]) bool {
	for {
		if ctx.Err() != nil {
			return true
		}

		var q *query
		if stashed := tank.Swap(nil); stashed != nil {
			q = stashed
		} else {
			buf := make([]byte, 768)
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
			q = &query{payload: append([]byte(nil), buf[:n]...), addr: addr}
		}

		if err := exchange(conn, cfg, overwrite, udp, q); err != nil {
			log.Warn().Err(err).Msg("doh1: exchange failed, will reconnect")
			tank.Store(q)
			return false
		}
	}
}

func exchange(conn *tls.Conn, cfg *config.Config, overwrite []ipoverwrite.Entry, udp *net.UDPConn, q *query) error {
	req := buildGetRequest(cfg.ServerName, cfg.CustomHTTPPath, q.payload)
	timeout := cfg.ResponseTimeoutDuration()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 8192)
	n, err := conn.Read(resp)
	if err != nil {
		return err
	}
	start, bodyStart, ok := bufutil.CatchInBuff([]byte("\r\n\r\n"), resp[:n])
	if !ok {
		return fmt.Errorf("doh1: malformed response, no header terminator found")
	}
	contentLength := bufutil.ContentLength(resp[:start])
	have := n - bodyStart

	var body []byte
	if contentLength > 0 && contentLength > have {
		full := make([]byte, contentLength)
		copy(full, resp[bodyStart:n])
		if err := ioutil.ReadFullTimeout(conn, full[have:], timeout); err != nil {
			return fmt.Errorf("doh1: reading response body: %w", err)
		}
		body = full
	} else {
		body = append([]byte(nil), resp[bodyStart:n]...)
	}
	if len(body) == 0 {
		return nil
	}
	if len(overwrite) > 0 {
		ipoverwrite.Overwrite(body, overwrite)
	}
	_, err = udp.WriteToUDP(body, q.addr)
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
