package netutil

import (
	"fmt"
	"net"
)

// ResolveInterfaceAddr finds the first address of the named interface
// matching the requested IP family, for use as the local address of a
// Dialer or ListenConfig. ipv4 selects A vs AAAA addresses.
func ResolveInterfaceAddr(name string, ipv4 bool) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("netutil: interface %q not found: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("netutil: interface %q has no addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		is4 := ipNet.IP.To4() != nil
		if is4 == ipv4 {
			return ipNet.IP, nil
		}
	}
	return nil, fmt.Errorf("netutil: interface %q has no %s address", name, familyName(ipv4))
}

// RemoteIP extracts the IP portion of a "host:port" remote address, for
// use as a TLS SNI value when IPAsSNI is enabled. Returns nil if addr
// has no literal IP host (e.g. it names a hostname instead).
func RemoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func familyName(ipv4 bool) string {
	if ipv4 {
		return "IPv4"
	}
	return "IPv6"
}
