package doh1

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// job is one query dispatched to the worker pool, the Go equivalent of
// the original's crossbeam_channel CrossContainer tuple.
type job struct {
	payload []byte
	addr    *net.UDPAddr
}

// RunMulti maintains cfg.Connection.H1MultiConnections persistent
// HTTP/1.1 connections, load-balanced via a single bounded channel: any
// idle worker picks up the next query. A full channel drops the query
// rather than blocking the UDP receive loop — the back-pressure fix the
// original's synchronous crossbeam channel needed under an async
// runtime, expressed natively here with select/default.
func RunMulti(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	udp, err := net.ListenUDP("udp", mustResolveUDP(cfg.ServeAddrs))
	if err != nil {
		return err
	}
	defer udp.Close()

	workers := cfg.Connection.H1MultiConnections
	jobs := make(chan job, workers)

	for i := 0; i < workers; i++ {
		go worker(ctx, i, cfg, rules, overwrite, dialer, udp, jobs)
	}

	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
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
		j := job{payload: append([]byte(nil), buf[:n]...), addr: addr}
		select {
		case jobs <- j:
		default:
			log.Warn().Msg("doh1 multi: worker pool saturated, dropping query")
		}
	}
}

func worker(ctx context.Context, id int, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer, udp *net.UDPConn, jobs <-chan job) {
	for {
		if ctx.Err() != nil {
			return
		}
		tlsCfg := tlsutil.ClientConfig(cfg, netutil.RemoteIP(cfg.RemoteAddrs), []string{"http/1.1"})
		conn, err := tlsutil.Connect(ctx, dialer, cfg.RemoteAddrs, cfg.Connection, tlsCfg, cfg.Fragmenting)
		if err != nil {
			log.Warn().Err(err).Int("worker", id).Msg("doh1 multi: connection failed")
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Int("worker", id).Msg("doh1 multi: connection established")
		if !serveMultiConnection(ctx, conn, cfg, overwrite, udp, jobs) {
			conn.Close()
			continue
		}
		conn.Close()
	}
}

func serveMultiConnection(ctx context.Context, conn *tls.Conn, cfg *config.Config, overwrite []ipoverwrite.Entry, udp *net.UDPConn, jobs <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case j := <-jobs:
			if err := exchange(conn, cfg, overwrite, udp, &query{payload: j.payload, addr: j.addr}); err != nil {
				log.Warn().Err(err).Msg("doh1 multi: exchange failed, reconnecting")
				return false
			}
		}
	}
}

