// Package rule implements the first-match-wins domain rule engine: each
// rule's options are matched as raw wire-format byte strings against the
// DNS query's on-the-wire bytes, and on a match either blocks the query
// (optionally only for specific record types) or bypasses the configured
// upstream entirely in favor of a plain-DNS resolver.
package rule

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"cloakdns/internal/bufutil"
	"cloakdns/internal/config"
)

// Target is the action taken when a Rule matches.
type Target struct {
	Block      bool
	BlockTypes [][2]byte // empty means "block regardless of record type"
	DNSBypass  string    // non-empty selects the dns-bypass action instead
}

// Rule is a compiled config.Rule: Options are in the exact wire-format
// byte strings that will appear inside a raw DNS query, precomputed once
// at startup instead of per lookup.
type Rule struct {
	Options [][]byte
	Target  Target
}

// Compile converts the config-level rule list into its wire-format form.
// A dotted option like "example.com" becomes the DNS label sequence
// [7]example[3]com; an option with no dot is used as a literal byte
// string (useful for matching record-type suffixes or raw fragments).
func Compile(rules []config.Rule) ([]Rule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		target, err := compileTarget(r.Target)
		if err != nil {
			return nil, err
		}
		options := make([][]byte, 0, len(r.Options))
		for _, opt := range r.Options {
			options = append(options, compileOption(opt))
		}
		compiled = append(compiled, Rule{Options: options, Target: target})
	}
	return compiled, nil
}

func compileTarget(t config.TargetType) (Target, error) {
	if t.DNSBypass != "" {
		return Target{DNSBypass: t.DNSBypass}, nil
	}
	types := make([][2]byte, 0, len(t.BlockSet))
	for _, name := range t.BlockSet {
		octets, ok := typeOctets(name)
		if !ok {
			return Target{}, fmt.Errorf("rule: unknown record type %q", name)
		}
		types = append(types, octets)
	}
	return Target{Block: true, BlockTypes: types}, nil
}

// compileOption converts a dotted domain into concatenated DNS wire
// labels (length-prefixed, no trailing root label), matching the
// original's convert_rules: split on ".", drop empty/blank parts, prefix
// each surviving part with its length byte.
func compileOption(option string) []byte {
	if !strings.Contains(option, ".") {
		return []byte(option)
	}
	var out []byte
	for _, part := range strings.Split(option, ".") {
		if part == "" || part == " " {
			continue
		}
		out = append(out, byte(len(part)))
		out = append(out, part...)
	}
	return out
}

// Check evaluates rules against the raw DNS query bytes dq in order and
// stops at the first matching option. A block match returns whether the
// query's type is blocked (always true when the rule lists no types);
// later rules are not consulted either way. A dns-bypass match dispatches the
// bypass query on its own goroutine and returns true immediately without
// waiting on it, matching the original's fire-and-forget tokio::spawn.
func Check(rules []Rule, dq []byte, clientAddr *net.UDPAddr, reply *net.UDPConn) bool {
	for _, r := range rules {
		for _, opt := range r.Options {
			if _, _, ok := bufutil.CatchInBuff(opt, dq); !ok {
				continue
			}
			if r.Target.Block {
				return matchesBlockedType(r.Target, dq)
			}
			dqCopy := append([]byte(nil), dq...)
			go bypass(dqCopy, clientAddr, r.Target.DNSBypass, reply)
			return true
		}
	}
	return false
}

// matchesBlockedType reports whether the query's QTYPE (the two bytes
// before the final QCLASS) is in target's BlockTypes, or unconditionally
// true if BlockTypes is empty.
func matchesBlockedType(target Target, dq []byte) bool {
	if len(target.BlockTypes) == 0 {
		return true
	}
	if len(dq) < 4 {
		return false
	}
	qtype := [2]byte{dq[len(dq)-4], dq[len(dq)-3]}
	for _, t := range target.BlockTypes {
		if t == qtype {
			return true
		}
	}
	return false
}

// bypass forwards dq to bypassTarget over a fresh UDP socket and relays
// the response back to clientAddr through reply, under a 5-second
// deadline matching the original's handle_bypass.
func bypass(dq []byte, clientAddr *net.UDPAddr, bypassTarget string, reply *net.UDPConn) {
	addr, err := net.ResolveUDPAddr("udp", bypassTarget)
	if err != nil {
		log.Warn().Err(err).Str("target", bypassTarget).Msg("rule bypass: invalid target")
		return
	}
	agent, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Warn().Err(err).Msg("rule bypass: dial failed")
		return
	}
	defer agent.Close()

	agent.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := agent.Write(dq); err != nil {
		log.Warn().Err(err).Msg("rule bypass: send failed")
		return
	}
	buf := make([]byte, 4096)
	n, err := agent.Read(buf)
	if err != nil {
		log.Warn().Err(err).Msg("rule bypass: recv timed out")
		return
	}
	if _, err := reply.WriteToUDP(buf[:n], clientAddr); err != nil {
		log.Warn().Err(err).Msg("rule bypass: reply failed")
	}
}

// typeOctets maps a DNS record type name to its RFC 1035-family wire
// value, matching the original's Targets::octets table. "ALL" is the
// one name outside miekg/dns's registry (it isn't a real RR type), so
// it's special-cased to the ANY qtype (255) the same way the original
// does.
func typeOctets(name string) ([2]byte, bool) {
	upper := strings.ToUpper(name)
	if upper == "ALL" {
		return [2]byte{0, 255}, true
	}
	t, ok := dns.StringToType[upper]
	if !ok {
		return [2]byte{}, false
	}
	return [2]byte{byte(t >> 8), byte(t)}, true
}
