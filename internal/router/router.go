// Package router controls client access on the access point: it resolves
// devices from the neighbor table and grants or revokes internet access by
// editing the host packet filter.
package router

import (
	"context"
	"fmt"
	"strings"
)

// UnknownMAC is reported when a link-layer address cannot be resolved.
const UnknownMAC = "unknown"

// AccessController grants and revokes general internet access for a network address.
// Both mutations are idempotent.
type AccessController interface {
	// GrantAccess lets the address bypass the captive redirect.
	GrantAccess(ctx context.Context, address string) error

	// RevokeAccess returns the address to redirect-only.
	RevokeAccess(ctx context.Context, address string) error

	// HasAccess reports whether the firewall currently grants the address.
	HasAccess(ctx context.Context, address string) (bool, error)
}

// IdentityResolver maps a network address to a device link-layer address.
type IdentityResolver interface {
	// Resolve never fails; unresolvable addresses yield UnknownMAC.
	Resolve(ctx context.Context, address string) string
}

// normalizeMACAddress converts MAC address to lowercase colon-separated format.
func normalizeMACAddress(mac string) string {
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	mac = strings.ReplaceAll(mac, ".", "")
	mac = strings.ToLower(mac)

	if len(mac) == 12 {
		return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
			mac[0:2], mac[2:4], mac[4:6],
			mac[6:8], mac[8:10], mac[10:12])
	}

	return mac
}
