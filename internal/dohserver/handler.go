package dohserver

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// maxQueryBody caps a POST body read. The original's h2p.rs/h11p.rs
// handlers had a fixed 512-byte POST buffer that silently truncated
// any larger query; this cap is generous enough for real-world DNS
// messages (including those with large OPT/EDNS0 records) while still
// bounding memory per request.
const maxQueryBody = 8192

// minDNSMessageSize is the size threshold below which a relayed reply
// is not treated as a DNS response: only replies longer than 5 bytes
// are returned to the client. It is far below a real DNS message's
// 12-byte header; the original's h11p.rs/h2p.rs use the same "> 5
// bytes" threshold to tell a genuine response from upstream garbage.
const minDNSMessageSize = 5

type handler struct {
	upstreamAddr    string
	logErrors       bool
	cacheControl    string
	responseTimeout time.Duration
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var query []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		query, err = decodeGETQuery(r)
	case http.MethodPost:
		query, err = decodePOSTQuery(r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp, err := h.relay(query)
	if err != nil {
		if h.logErrors {
			log.Warn().Err(err).Str("peer", r.RemoteAddr).Msg("dohserver: relay failed")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	// A successful but too-short datagram (no error, just an
	// implausibly small DNS message) means the upstream answered with
	// garbage rather than timing out — a 404, not a 503, matching the
	// original's size-based branch in h11p.rs/h2p.rs.
	if len(resp) <= minDNSMessageSize {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", h.cacheControl)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func decodeGETQuery(r *http.Request) ([]byte, error) {
	encoded := r.URL.Query().Get("dns")
	if encoded == "" {
		return nil, errNoDNSParam
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}

func decodePOSTQuery(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errNoDNSParam
	}
	return body, nil
}

// relay dials a fresh loopback UDP socket per request (the original's
// per-stream UdpSocket::bind), sends the query to the upstream
// listener, and waits for a reply with the two-stage timeout the
// original's h2p.rs uses: a short wait, then a longer one, before
// giving up.
func (h *handler) relay(query []byte) ([]byte, error) {
	agent, err := net.Dial("udp", h.upstreamAddr)
	if err != nil {
		return nil, err
	}
	defer agent.Close()

	if _, err := agent.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, 4096)
	short := h.responseTimeout
	if short <= 0 {
		short = 5 * time.Second
	}

	agent.SetReadDeadline(time.Now().Add(short))
	n, err := agent.Read(buf)
	if err != nil {
		agent.SetReadDeadline(time.Now().Add(short * 2))
		n, err = agent.Read(buf)
		if err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), buf[:n]...), nil
}

type relayError string

func (e relayError) Error() string { return string(e) }

const errNoDNSParam = relayError("dohserver: missing dns query")
