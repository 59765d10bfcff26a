package router

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/Xhofe/go-cache"
	"go.uber.org/zap"
)

// NeighborResolver looks up link-layer addresses in the neighbor (ARP/NDP)
// table of the captive interface.
type NeighborResolver struct {
	exec     Executor
	iface    string
	cacheTTL time.Duration
	cache    cache.ICache[string]
	logger   *zap.Logger
}

// NewNeighborResolver creates a resolver for iface. With a zero cacheTTL
// every lookup queries the table.
func NewNeighborResolver(exec Executor, iface string, cacheTTL time.Duration, logger *zap.Logger) *NeighborResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &NeighborResolver{
		exec:     exec,
		iface:    iface,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
	if cacheTTL > 0 {
		r.cache = cache.NewMemCache(cache.WithShards[string](4))
	}
	return r
}

// Resolve returns the MAC address for address, or UnknownMAC.
func (r *NeighborResolver) Resolve(ctx context.Context, address string) string {
	addr, err := NormalizeAddress(address)
	if err != nil {
		r.logger.Debug("cannot resolve invalid address", zap.String("ip", address))
		return UnknownMAC
	}

	if r.cache != nil {
		if mac, ok := r.cache.Get(addr); ok {
			return mac
		}
	}

	out, err := r.exec.Run(ctx, "ip", "neigh", "show", "to", addr, "dev", r.iface)
	if err != nil {
		r.logger.Warn("neighbor lookup failed", zap.String("ip", addr), zap.Error(err))
		return UnknownMAC
	}

	mac := parseNeighbor(out, addr)
	if mac == "" {
		r.logger.Debug("MAC address not found", zap.String("ip", addr))
		return UnknownMAC
	}

	if r.cache != nil {
		r.cache.Set(addr, mac, cache.WithEx[string](r.cacheTTL))
	}
	return mac
}

// parseNeighbor finds the lladdr of addr in "ip neigh" output. The address
// must match the first field exactly so 10.0.0.5 never matches 10.0.0.50.
func parseNeighbor(out, addr string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if ip, err := NormalizeAddress(fields[0]); err != nil || ip != addr {
			continue
		}
		for i := 1; i < len(fields)-1; i++ {
			if fields[i] != "lladdr" {
				continue
			}
			if hw, err := net.ParseMAC(fields[i+1]); err == nil {
				return normalizeMACAddress(hw.String())
			}
		}
	}
	return ""
}
