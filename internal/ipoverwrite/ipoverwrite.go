// Package ipoverwrite substitutes IP addresses embedded in a raw DNS
// response's answer octets in place, letting a forwarder rewrite
// specific resolved addresses (e.g. to route around a poisoned upstream)
// without re-encoding the message.
package ipoverwrite

import (
	"fmt"
	"net"

	"cloakdns/internal/bufutil"
	"cloakdns/internal/config"
)

// Entry is a compiled config.IPOverwriteEntry: the source addresses to
// search for, and their v4/v6 replacements.
type Entry struct {
	OptionsV4 [][4]byte
	OptionsV6 [][16]byte
	TargetV4  [4]byte
	HasV4     bool
	TargetV6  [16]byte
	HasV6     bool
}

// Compile parses the config-level overwrite list into raw octet form.
func Compile(entries []config.IPOverwriteEntry) ([]Entry, error) {
	compiled := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var entry Entry
		for _, opt := range e.Options {
			ip := net.ParseIP(opt)
			if ip == nil {
				return nil, fmt.Errorf("ipoverwrite: invalid address %q", opt)
			}
			if v4 := ip.To4(); v4 != nil {
				entry.OptionsV4 = append(entry.OptionsV4, [4]byte(v4))
			} else {
				entry.OptionsV6 = append(entry.OptionsV6, [16]byte(ip.To16()))
			}
		}
		if e.TargetV4 != "" {
			ip := net.ParseIP(e.TargetV4).To4()
			if ip == nil {
				return nil, fmt.Errorf("ipoverwrite: invalid target_v4 %q", e.TargetV4)
			}
			entry.TargetV4 = [4]byte(ip)
			entry.HasV4 = true
		}
		if e.TargetV6 != "" {
			ip := net.ParseIP(e.TargetV6).To16()
			if ip == nil {
				return nil, fmt.Errorf("ipoverwrite: invalid target_v6 %q", e.TargetV6)
			}
			entry.TargetV6 = [16]byte(ip)
			entry.HasV6 = true
		}
		compiled = append(compiled, entry)
	}
	return compiled, nil
}

// Overwrite rewrites every occurrence of a configured source address
// found verbatim in dns's bytes with its replacement, in place. A v4
// source is only ever replaced by a v4 target (matching the original,
// which silently skips a v4 match when only a v6 target is configured).
// A v6 source prefers a v6 target and falls back to a v4 target encoded
// as that target's IPv4-mapped form when no v6 target is set.
func Overwrite(dns []byte, entries []Entry) {
	replaceAll := func(find, repl []byte) {
		for off := 0; off < len(dns); {
			a, b, ok := bufutil.CatchInBuff(find, dns[off:])
			if !ok {
				return
			}
			copy(dns[off+a:off+b], repl)
			off += b
		}
	}
	for _, e := range entries {
		for _, opt := range e.OptionsV4 {
			if !e.HasV4 {
				continue
			}
			replaceAll(opt[:], e.TargetV4[:])
		}
		for _, opt := range e.OptionsV6 {
			switch {
			case e.HasV6:
				replaceAll(opt[:], e.TargetV6[:])
			case e.HasV4:
				mapped := net.IPv4(e.TargetV4[0], e.TargetV4[1], e.TargetV4[2], e.TargetV4[3]).To16()
				replaceAll(opt[:], mapped)
			}
		}
	}
}
