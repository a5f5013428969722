// Package config decodes and validates cloakdns's JSON configuration file
// into the immutable, process-wide Config tree described in the spec.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// Protocol selects the upstream transport.
type Protocol string

const (
	ProtocolH1             Protocol = "h1"
	ProtocolH1Multi        Protocol = "h1_multi"
	ProtocolH2             Protocol = "h2"
	ProtocolH3             Protocol = "h3"
	ProtocolDoT            Protocol = "dot"
	ProtocolDoTNonblocking Protocol = "dot_nonblocking"
	ProtocolDoQ            Protocol = "doq"
)

func (p Protocol) valid() bool {
	switch p {
	case ProtocolH1, ProtocolH1Multi, ProtocolH2, ProtocolH3, ProtocolDoT, ProtocolDoTNonblocking, ProtocolDoQ:
		return true
	}
	return false
}

// FragMethod selects the ClientHello fragmentation strategy.
type FragMethod string

const (
	FragLinear FragMethod = "linear"
	FragRandom FragMethod = "random"
	FragSingle FragMethod = "single"
	FragJump   FragMethod = "jump"
)

// Fragmenting holds the TLS ClientHello fragmentation settings.
type Fragmenting struct {
	Enable         bool       `json:"enable"`
	Method         FragMethod `json:"method"`
	FragmentSize   string     `json:"fragment_size"`   // "min..max", both in 1..=255
	SleepInterval  string     `json:"sleep_interval"`  // "min..max" milliseconds
	Segments       int        `json:"segments"`
	fragmentRange  IntRange
	sleepRange     IntRange
}

// FragmentSizeRange returns the parsed, validated fragment-size range.
func (f *Fragmenting) FragmentSizeRange() IntRange { return f.fragmentRange }

// SleepIntervalRange returns the parsed inter-segment sleep range (ms).
func (f *Fragmenting) SleepIntervalRange() IntRange { return f.sleepRange }

func (f *Fragmenting) validate() error {
	if !f.Enable {
		return nil
	}
	switch f.Method {
	case FragLinear, FragRandom, FragSingle, FragJump:
	default:
		return fmt.Errorf("config: fragmenting.method %q invalid", f.Method)
	}
	fr, err := ParseRange(f.FragmentSize)
	if err != nil {
		return err
	}
	if fr.Min < 1 || fr.Max > 255 {
		return fmt.Errorf("config: fragmenting.fragment_size must be within 1..=255, got %q", f.FragmentSize)
	}
	sr, err := ParseRange(f.SleepInterval)
	if err != nil {
		return err
	}
	if f.Segments < 1 {
		return fmt.Errorf("config: fragmenting.segments must be >= 1")
	}
	f.fragmentRange = fr
	f.sleepRange = sr
	return nil
}

// NoiseType selects the synthetic UDP payload generator.
type NoiseType string

const (
	NoiseDNS     NoiseType = "dns"
	NoiseStr     NoiseType = "str"
	NoiseLSD     NoiseType = "lsd"
	NoiseRand    NoiseType = "rand"
	NoiseTracker NoiseType = "tracker"
	NoiseSTUN    NoiseType = "stun"
	NoiseTFTP    NoiseType = "tftp"
	NoiseNTP     NoiseType = "ntp"
	NoiseSyslog  NoiseType = "syslog"
)

// Noise holds the pre-handshake decoy-packet settings.
type Noise struct {
	Enable       bool      `json:"enable"`
	NType        NoiseType `json:"ntype"`
	Content      string    `json:"content"`
	PacketLength string    `json:"packet_length"` // "min..max"
	Packets      int       `json:"packets"`
	Sleep        int       `json:"sleep"` // ms
	Continuous   bool       `json:"continues"`
	packetRange  IntRange
}

// PacketLengthRange returns the parsed packet-size range.
func (n *Noise) PacketLengthRange() IntRange { return n.packetRange }

func (n *Noise) validate() error {
	if !n.Enable {
		return nil
	}
	switch n.NType {
	case NoiseDNS, NoiseStr, NoiseLSD, NoiseRand, NoiseTracker, NoiseSTUN, NoiseTFTP, NoiseNTP, NoiseSyslog:
	default:
		return fmt.Errorf("config: noise.ntype %q invalid", n.NType)
	}
	if n.PacketLength != "" {
		pr, err := ParseRange(n.PacketLength)
		if err != nil {
			return err
		}
		n.packetRange = pr
	} else {
		n.packetRange = IntRange{Min: 1200, Max: 1500}
	}
	return nil
}

// CongestionController selects the QUIC congestion controller.
type CongestionController string

const (
	CongestionBBR     CongestionController = "bbr"
	CongestionCubic   CongestionController = "cubic"
	CongestionNewReno CongestionController = "newreno"
)

// Quic holds QUIC transport tuning for DoH/3 and DoQ.
type Quic struct {
	CongestionController     CongestionController `json:"congestion_controller"`
	KeepAliveInterval        int                   `json:"keep_alive_interval"` // seconds
	DatagramReceiveBufferSize int                  `json:"datagram_receive_buffer_size"`
	DatagramSendBufferSize   int                   `json:"datagram_send_buffer_size"`
	ConnectingTimeout        int                   `json:"connecting_timeout"` // seconds
}

func (q *Quic) validate() error {
	switch q.CongestionController {
	case CongestionBBR, CongestionCubic, CongestionNewReno, "":
	default:
		return fmt.Errorf("config: quic.congestion_controller %q invalid", q.CongestionController)
	}
	if q.ConnectingTimeout <= 0 {
		q.ConnectingTimeout = 8
	}
	if q.KeepAliveInterval < 0 {
		return fmt.Errorf("config: quic.keep_alive_interval must be >= 0")
	}
	return nil
}

// Connection holds reconnect/backoff and worker-pool tuning.
type Connection struct {
	H1MultiConnections int `json:"h1_multi_connections"`
	ReconnectSleep     int `json:"reconnect_sleep"`     // seconds
	MaxReconnect       int `json:"max_reconnect"`
	MaxReconnectSleep  int `json:"max_reconnect_sleep"` // seconds
}

func (c *Connection) validate() error {
	if c.H1MultiConnections <= 0 {
		c.H1MultiConnections = 4
	}
	if c.ReconnectSleep <= 0 {
		c.ReconnectSleep = 1
	}
	if c.MaxReconnectSleep <= 0 {
		c.MaxReconnectSleep = 60
	}
	return nil
}

// DohServer holds the reverse DoH server's settings.
type DohServer struct {
	Enable          bool     `json:"enable"`
	ALPN            []string `json:"alpn"`
	ListenAddress   string   `json:"listen_address"`
	Certificate     string   `json:"certificate"`
	Key             string   `json:"key"`
	LogErrors       bool     `json:"log_errors"`
	CacheControl    string   `json:"cache_control"`
	ResponseTimeout int      `json:"response_timeout"` // seconds
}

func (d *DohServer) validate() error {
	if !d.Enable {
		return nil
	}
	if d.ListenAddress == "" {
		return fmt.Errorf("config: doh_server.listen_address required when enabled")
	}
	if d.Certificate == "" || d.Key == "" {
		return fmt.Errorf("config: doh_server.certificate and key required when enabled")
	}
	if d.CacheControl == "" {
		d.CacheControl = "max-age=300"
	}
	if d.ResponseTimeout <= 0 {
		d.ResponseTimeout = 5
	}
	if len(d.ALPN) == 0 {
		d.ALPN = []string{"h2", "http/1.1"}
	}
	return nil
}

// TargetType is the action a matched Rule takes: either it blocks the
// query (optionally only for a set of record types), or it bypasses the
// configured upstream and resolves the query against a plain-DNS address.
type TargetType struct {
	Block     bool     `json:"-"`
	BlockSet  []string `json:"-"` // empty means "block all types"
	DNSBypass string   `json:"-"`
}

// rawTarget is the JSON shape: {"kind":"block","types":["AAAA"]} or
// {"kind":"dns","addr":"1.1.1.1:53"}.
type rawTarget struct {
	Kind  string   `json:"kind"`
	Types []string `json:"types,omitempty"`
	Addr  string   `json:"addr,omitempty"`
}

func (t *TargetType) UnmarshalJSON(b []byte) error {
	var raw rawTarget
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "block":
		t.Block = true
		t.BlockSet = raw.Types
	case "dns":
		if raw.Addr == "" {
			return fmt.Errorf("config: rule target kind=dns requires addr")
		}
		t.DNSBypass = raw.Addr
	default:
		return fmt.Errorf("config: rule target kind %q invalid", raw.Kind)
	}
	return nil
}

func (t TargetType) MarshalJSON() ([]byte, error) {
	if t.Block {
		return json.Marshal(rawTarget{Kind: "block", Types: t.BlockSet})
	}
	return json.Marshal(rawTarget{Kind: "dns", Addr: t.DNSBypass})
}

// Rule is an ordered list of domain-fragment options paired with a target.
type Rule struct {
	Options []string   `json:"options"`
	Target  TargetType `json:"target"`
}

// IPOverwriteEntry maps a set of source IPs to a replacement.
type IPOverwriteEntry struct {
	Options    []string `json:"options"` // source IPs, v4 or v6
	TargetV4   string   `json:"target_v4"`
	TargetV6   string   `json:"target_v6,omitempty"`
}

// Config is the full, immutable process configuration.
type Config struct {
	Protocol               Protocol           `json:"protocol"`
	ServerName             string             `json:"server_name"`
	IPAsSNI                bool               `json:"ip_as_sni"`
	RemoteAddrs            string             `json:"remote_addrs"`
	ServeAddrs             string             `json:"serve_addrs"`
	CustomHTTPPath         string             `json:"custom_http_path,omitempty"`
	Fragmenting            Fragmenting        `json:"fragmenting"`
	Noise                  Noise              `json:"noise"`
	Quic                   Quic               `json:"quic"`
	Connection             Connection         `json:"connection"`
	DohServer              DohServer          `json:"doh_server"`
	Rules                  []Rule             `json:"rules,omitempty"`
	Overwrite              []IPOverwriteEntry `json:"overwrite,omitempty"`
	ResponseTimeout        int                `json:"response_timeout"` // seconds
	Interface              string             `json:"interface,omitempty"`
	BindToDevice           string             `json:"bind_to_device,omitempty"` // Linux SO_BINDTODEVICE, see internal/netutil
	Congestion             string             `json:"congestion,omitempty"`     // Linux TCP_CONGESTION, e.g. "bbr"
	MSS                    int                `json:"mss,omitempty"`            // Linux TCP_MAXSEG
	DisableCertValidation  bool               `json:"disable_certificate_validation"`
	ConnectionKeepAlive    int                `json:"connection_keep_alive,omitempty"` // seconds, DoQ/DoH3 keep-alive
}

// ResponseTimeoutDuration is ResponseTimeout as a time.Duration.
func (c *Config) ResponseTimeoutDuration() time.Duration {
	return time.Duration(c.ResponseTimeout) * time.Second
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if !c.Protocol.valid() {
		return fmt.Errorf("config: protocol %q invalid", c.Protocol)
	}
	if c.ServerName == "" {
		return fmt.Errorf("config: server_name required")
	}
	if _, err := net.ResolveUDPAddr("udp", c.RemoteAddrs); err != nil {
		return fmt.Errorf("config: remote_addrs invalid: %w", err)
	}
	if _, err := net.ResolveUDPAddr("udp", c.ServeAddrs); err != nil {
		return fmt.Errorf("config: serve_addrs invalid: %w", err)
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5
	}
	if err := c.Fragmenting.validate(); err != nil {
		return err
	}
	if err := c.Noise.validate(); err != nil {
		return err
	}
	if err := c.Quic.validate(); err != nil {
		return err
	}
	if err := c.Connection.validate(); err != nil {
		return err
	}
	if err := c.DohServer.validate(); err != nil {
		return err
	}
	return nil
}
