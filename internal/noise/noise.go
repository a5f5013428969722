// Package noise builds decoy UDP payloads sent to the remote resolver
// before the real QUIC handshake, so passive DPI watching for QUIC's
// distinctive first flight sees innocuous-looking traffic first.
package noise

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"cloakdns/internal/config"
)

// Payload renders one decoy packet for the given NoiseType. content and
// serverName feed the "dns"/"syslog" generators, which embed the
// configured query domain and server name respectively.
func Payload(ntype config.NoiseType, content, serverName string, packetRange config.IntRange) ([]byte, error) {
	switch ntype {
	case config.NoiseRand:
		return randPayload(packetRange), nil
	case config.NoiseDNS:
		return dnsQuery(content), nil
	case config.NoiseStr:
		return []byte(content), nil
	case config.NoiseLSD:
		return lsdPayload(), nil
	case config.NoiseTracker:
		return trackerPayload(), nil
	case config.NoiseSTUN:
		return stunPayload(), nil
	case config.NoiseTFTP:
		return tftpPayload(), nil
	case config.NoiseNTP:
		return ntpPayload(), nil
	case config.NoiseSyslog:
		return syslogPayload(serverName), nil
	default:
		return nil, fmt.Errorf("noise: unknown ntype %q", ntype)
	}
}

// Send emits noise.Packets decoy datagrams to target over conn, sleeping
// noise.Sleep between each, matching the original's noiser/rand_noiser
// send loop. serverName is embedded in the "syslog" payload.
func Send(conn *net.UDPConn, target *net.UDPAddr, n config.Noise, serverName string) {
	packetRange := n.PacketLengthRange()
	count := n.Packets
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		payload, err := Payload(n.NType, n.Content, serverName, packetRange)
		if err != nil {
			log.Warn().Err(err).Msg("noise failed")
			return
		}
		sent, err := conn.WriteToUDP(payload, target)
		if err != nil {
			log.Warn().Err(err).Msg("noise failed")
			return
		}
		log.Info().Int("bytes", sent).Msg("bytes sent as noise")
		if n.Sleep > 0 {
			time.Sleep(time.Duration(n.Sleep) * time.Millisecond)
		}
	}
}

func randPayload(r config.IntRange) []byte {
	buf := make([]byte, 1500)
	if _, err := rand.Read(buf); err != nil {
		mrand.Read(buf)
	}
	n := r.Sample(mrand.Intn)
	if n <= 0 || n > len(buf) {
		n = len(buf)
	}
	return buf[:n]
}

// dnsQuery builds a minimal two-label A-record query, mirroring the
// original's DnsRcord::with_domain: 12-byte header plus one question.
func dnsQuery(domain string) []byte {
	labels := strings.SplitN(domain, ".", 2)
	for len(labels) < 2 {
		labels = append(labels, "")
	}
	var id [2]byte
	rand.Read(id[:])

	buf := make([]byte, 0, 12+1+len(labels[0])+1+len(labels[1])+1+4)
	buf = append(buf, id[:]...)
	buf = append(buf, 1, 0) // flags: standard query, recursion desired
	buf = append(buf, 0, 1) // questions: 1
	buf = append(buf, 0, 0) // answer RRs
	buf = append(buf, 0, 0) // authority RRs
	buf = append(buf, 0, 0) // additional RRs
	buf = append(buf, byte(len(labels[0])))
	buf = append(buf, labels[0]...)
	buf = append(buf, byte(len(labels[1])))
	buf = append(buf, labels[1]...)
	buf = append(buf, 0)    // root label
	buf = append(buf, 0, 1) // QTYPE A
	buf = append(buf, 0, 1) // QCLASS IN
	return buf
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphanumeric(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			b[i] = alphanumeric[mrand.Intn(len(alphanumeric))]
			continue
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b)
}

// lsdPayload mimics a BitTorrent Local Service Discovery announcement.
func lsdPayload() []byte {
	var port [2]byte
	rand.Read(port[:])
	portNum := uint16(port[0])<<8 | uint16(port[1])

	var sb strings.Builder
	sb.WriteString("BT-SEARCH * HTTP/1.1\r\n")
	sb.WriteString(fmt.Sprintf("Port: %d\r\n", portNum))
	sb.WriteString(fmt.Sprintf("Infohash: %s\r\n", randomAlphanumeric(40)))
	sb.WriteString(fmt.Sprintf("Cookie: %s\r\n", randomAlphanumeric(8)))
	sb.WriteString("\r\n\r\n")
	return []byte(sb.String())
}

// trackerPayload mimics a BitTorrent UDP tracker "connect" request.
func trackerPayload() []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, 0, 0, 4, 23, 39, 16, 25, 128) // magic protocol ID
	buf = append(buf, 0, 0, 0, 0)                   // action: connect
	var tid [4]byte
	rand.Read(tid[:])
	buf = append(buf, tid[:]...)
	return buf
}

// stunPayload mimics a STUN binding request.
func stunPayload() []byte {
	msg := []byte{0, 1, 0, 0, 33, 18, 164, 66, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	rand.Read(msg[8:])
	return msg
}

// tftpPayload mimics a TFTP read request for a random .bin filename.
func tftpPayload() []byte {
	buf := []byte{0, 1}
	n := mrand.Intn(127) + 1
	buf = append(buf, randomAlphanumeric(n)...)
	buf = append(buf, '.', 'b', 'i', 'n', 0, 'o', 'c', 't', 'e', 't', 0)
	return buf
}

// ntpPayload mimics an NTP client request.
func ntpPayload() []byte {
	packet := [48]byte{
		219, 0, 17, 233, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 236, 77, 18, 206, 29, 109, 124, 219,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 236, 77, 36, 9, 81, 101, 92, 123,
	}
	rand.Read(packet[2:12])
	rand.Read(packet[16:24])
	rand.Read(packet[40:])
	return packet[:]
}

// syslogPayload mimics an RFC-5424-ish syslog message naming serverName
// as the reporting host.
func syslogPayload(serverName string) []byte {
	buf := []byte{60, 49, 54, 53, 62, 49, 32} // "<165>1 "
	buf = append(buf, make([]byte, 24)...)
	mlen := mrand.Intn(246) + 10
	buf = append(buf, fmt.Sprintf(" %s syslog %d ID%d - %s",
		serverName, mrand.Intn(256), mrand.Intn(256), randomAlphanumeric(mlen))...)
	return buf
}
