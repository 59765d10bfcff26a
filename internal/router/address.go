package router

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ParseAddress parses a client network address. It accepts bare addresses,
// host:port pairs and bracketed IPv6, and strips IPv4-mapped IPv6 prefixes and
// zones so that dual-stack forms of the same client compare equal.
func ParseAddress(raw string) (netip.Addr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return netip.Addr{}, fmt.Errorf("empty address")
	}

	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		host, _, splitErr := net.SplitHostPort(s)
		if splitErr != nil {
			return netip.Addr{}, fmt.Errorf("invalid address %q: %w", raw, err)
		}
		addr, err = netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid address %q: %w", raw, err)
		}
	}

	return addr.Unmap().WithZone(""), nil
}

// NormalizeAddress returns the canonical textual form of a client address.
func NormalizeAddress(raw string) (string, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
