package dot

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/tlsutil"
)

// waiters maps an in-flight DNS message ID to the client address the
// eventual response must be relayed to. Guarded by mu the same way the
// original guards its HashMap behind a tokio Mutex.
type waiters struct {
	mu    sync.Mutex
	table map[uint16]*net.UDPAddr
}

func newWaiters() *waiters {
	return &waiters{table: make(map[uint16]*net.UDPAddr)}
}

func (w *waiters) put(id uint16, addr *net.UDPAddr) {
	w.mu.Lock()
	w.table[id] = addr
	w.mu.Unlock()
}

func (w *waiters) take(id uint16) (*net.UDPAddr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, ok := w.table[id]
	if ok {
		delete(w.table, id)
	}
	return addr, ok
}

// RunNonBlocking serves every query concurrently over one TLS
// connection: a reader goroutine matches responses back to clients by
// DNS message ID while the main loop keeps writing new queries, instead
// of waiting for each round trip like Run does. Grounded on the
// original's dot_nonblocking(): split read/write halves, a waiters map
// keyed by message ID, and a reader task whose exit tears down the
// connection.
func RunNonBlocking(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	udp, err := net.ListenUDP("udp", mustResolveUDP(cfg.ServeAddrs))
	if err != nil {
		return err
	}
	defer udp.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tlsCfg := tlsutil.ClientConfig(cfg, netutil.RemoteIP(cfg.RemoteAddrs), []string{"dot"})
		conn, err := tlsutil.Connect(ctx, dialer, cfg.RemoteAddrs, cfg.Connection, tlsCfg, cfg.Fragmenting)
		if err != nil {
			log.Warn().Err(err).Msg("dot nonblocking: tls handshake failed, retrying")
			sleepReconnect(ctx, cfg.Connection)
			continue
		}
		log.Info().Msg("dot nonblocking: connection established")

		serveNonBlocking(ctx, conn, cfg, rules, overwrite, udp)
		conn.Close()
	}
}

func serveNonBlocking(ctx context.Context, conn *tls.Conn, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, udp *net.UDPConn) {
	w := newWaiters()
	var done atomic.Bool

	go func() {
		defer done.Store(true)
		resp := make([]byte, 4096)
		for {
			n, err := conn.Read(resp)
			if err != nil || n == 0 {
				return
			}
			if n < 2 {
				continue
			}
			size := binary.BigEndian.Uint16(resp[:2])
			if int(size)+2 != n || n < 4 {
				continue
			}
			msgID := binary.BigEndian.Uint16(resp[2:4])
			addr, ok := w.take(msgID)
			if !ok {
				continue
			}
			body := append([]byte(nil), resp[2:n]...)
			if len(overwrite) > 0 {
				ipoverwrite.Overwrite(body, overwrite)
			}
			udp.WriteToUDP(body, addr)
		}
	}()

	query := make([]byte, 514)
	for {
		if ctx.Err() != nil || done.Load() {
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
		msgID := binary.BigEndian.Uint16(query[2:4])

		conn.SetWriteDeadline(time.Now().Add(cfg.ResponseTimeoutDuration()))
		if _, err := conn.Write(query[:n+2]); err != nil {
			log.Warn().Err(err).Msg("dot nonblocking: write failed, reconnecting")
			return
		}
		w.put(msgID, addr)
	}
}
