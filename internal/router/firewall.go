package router

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ruleComment tags every rule this package installs.
const ruleComment = "captivegate"

// FirewallConfig holds the iptables layout for the captive interface.
type FirewallConfig struct {
	Interface  string // captive network interface (e.g. "wlan0")
	RedirectTo string // redirector address for the base DNAT rule (e.g. "192.168.1.1:8080")
	// RedirectTo6 is the IPv6 redirector address (e.g. "[fd00::1]:8080").
	// Empty leaves IPv6 clients uncaptured.
	RedirectTo6 string
	IPTables    string // iptables binary (default "iptables")
	IP6Tables   string // ip6tables binary (default "ip6tables")
}

// rule is one iptables rule: where it lives and its match/target arguments.
type rule struct {
	table string
	chain string
	spec  []string
}

func (r rule) String() string {
	return fmt.Sprintf("%s/%s %s", r.table, r.chain, strings.Join(r.spec, " "))
}

// Firewall grants access by inserting a pair of per-address rules ahead of
// the captive defaults: a RETURN in nat PREROUTING so port 80 skips the
// redirect DNAT, and an ACCEPT in FORWARD so port 443 skips the REJECT.
// The ruleset is always listed before it is changed.
type Firewall struct {
	exec   Executor
	config FirewallConfig
	logger *zap.Logger

	mu sync.Mutex
}

// NewFirewall creates a firewall access controller.
func NewFirewall(exec Executor, config FirewallConfig, logger *zap.Logger) *Firewall {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IPTables == "" {
		config.IPTables = "iptables"
	}
	if config.IP6Tables == "" {
		config.IP6Tables = "ip6tables"
	}
	return &Firewall{
		exec:   exec,
		config: config,
		logger: logger,
	}
}

// accessRules returns the coupled rule pair granting addr.
func (f *Firewall) accessRules(addr netip.Addr) []rule {
	src := netip.PrefixFrom(addr, addr.BitLen()).String()
	return []rule{
		{
			table: "nat",
			chain: "PREROUTING",
			spec: []string{
				"-s", src, "-i", f.config.Interface, "-p", "tcp", "-m", "tcp", "--dport", "80",
				"-m", "comment", "--comment", ruleComment, "-j", "RETURN",
			},
		},
		{
			table: "filter",
			chain: "FORWARD",
			spec: []string{
				"-s", src, "-i", f.config.Interface, "-p", "tcp", "-m", "tcp", "--dport", "443",
				"-m", "comment", "--comment", ruleComment, "-j", "ACCEPT",
			},
		},
	}
}

// baseRules returns the captive defaults every unauthenticated client hits,
// DNAT to redirectTo for port 80 and a REJECT for port 443.
func (f *Firewall) baseRules(redirectTo, rejectWith string) []rule {
	return []rule{
		{
			table: "nat",
			chain: "PREROUTING",
			spec: []string{
				"-i", f.config.Interface, "-p", "tcp", "-m", "tcp", "--dport", "80",
				"-m", "comment", "--comment", ruleComment,
				"-j", "DNAT", "--to-destination", redirectTo,
			},
		},
		{
			table: "filter",
			chain: "FORWARD",
			spec: []string{
				"-i", f.config.Interface, "-p", "tcp", "-m", "tcp", "--dport", "443",
				"-m", "comment", "--comment", ruleComment,
				"-j", "REJECT", "--reject-with", rejectWith,
			},
		},
	}
}

func (f *Firewall) binary(addr netip.Addr) string {
	if addr.Is6() {
		return f.config.IP6Tables
	}
	return f.config.IPTables
}

// GrantAccess lets address bypass the captive redirect. Rules already present
// are left alone; a failure part way through removes what this call added.
func (f *Firewall) GrantAccess(ctx context.Context, address string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bin := f.binary(addr)
	var added []rule

	for _, r := range f.accessRules(addr) {
		n, err := f.count(ctx, bin, r)
		if err != nil {
			f.rollback(ctx, bin, added)
			return fmt.Errorf("failed to grant access for %s: %w", addr, err)
		}

		switch {
		case n == 0:
			if err := f.insert(ctx, bin, r); err != nil {
				f.rollback(ctx, bin, added)
				return fmt.Errorf("failed to grant access for %s: %w", addr, err)
			}
			added = append(added, r)
		case n > 1:
			f.logger.Warn("duplicate access rules found",
				zap.String("ip", addr.String()),
				zap.String("rule", r.String()),
				zap.Int("count", n),
			)
			for i := 1; i < n; i++ {
				if err := f.delete(ctx, bin, r); err != nil {
					f.logger.Warn("failed to remove duplicate rule", zap.String("ip", addr.String()), zap.Error(err))
					break
				}
			}
		}
	}

	f.logger.Info("access granted", zap.String("ip", addr.String()), zap.Int("rules_added", len(added)))
	return nil
}

// RevokeAccess removes every grant rule for address. Revoking an address
// without rules is a no-op.
func (f *Firewall) RevokeAccess(ctx context.Context, address string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bin := f.binary(addr)
	var errs []error
	removed := 0

	// Both rules are attempted so one failure does not strand the other.
	for _, r := range f.accessRules(addr) {
		n, err := f.count(ctx, bin, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := 0; i < n; i++ {
			if err := f.delete(ctx, bin, r); err != nil {
				errs = append(errs, err)
				break
			}
			removed++
		}
	}

	if len(errs) > 0 {
		f.logger.Error("failed to revoke access", zap.String("ip", addr.String()), zap.Error(errors.Join(errs...)))
		return fmt.Errorf("failed to revoke access for %s: %w", addr, errors.Join(errs...))
	}

	f.logger.Info("access revoked", zap.String("ip", addr.String()), zap.Int("rules_removed", removed))
	return nil
}

// HasAccess reports whether both grant rules for address are present.
func (f *Firewall) HasAccess(ctx context.Context, address string) (bool, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bin := f.binary(addr)
	present := 0
	for _, r := range f.accessRules(addr) {
		n, err := f.count(ctx, bin, r)
		if err != nil {
			return false, err
		}
		if n > 0 {
			present++
		}
	}

	if present == 1 {
		f.logger.Warn("partial access rules present", zap.String("ip", addr.String()))
	}
	return present == 2, nil
}

// Setup appends the captive default rules when they are missing, with
// iptables and, when RedirectTo6 is set, with ip6tables.
func (f *Firewall) Setup(ctx context.Context) error {
	if f.config.RedirectTo == "" {
		return fmt.Errorf("redirect target not configured")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.setupBase(ctx, f.config.IPTables, f.baseRules(f.config.RedirectTo, "icmp-port-unreachable")); err != nil {
		return err
	}
	if f.config.RedirectTo6 == "" {
		f.logger.Warn("no IPv6 redirect target, IPv6 clients are not captured")
		return nil
	}
	return f.setupBase(ctx, f.config.IP6Tables, f.baseRules(f.config.RedirectTo6, "icmp6-port-unreachable"))
}

func (f *Firewall) setupBase(ctx context.Context, bin string, rules []rule) error {
	for _, r := range rules {
		n, err := f.count(ctx, bin, r)
		if err != nil {
			return fmt.Errorf("failed to set up captive rules: %w", err)
		}
		if n > 0 {
			continue
		}
		args := append([]string{"-w", "-t", r.table, "-A", r.chain}, r.spec...)
		if _, err := f.exec.Run(ctx, bin, args...); err != nil {
			return fmt.Errorf("failed to set up captive rules: %w", err)
		}
		f.logger.Info("captive rule installed", zap.String("binary", bin), zap.String("rule", r.String()))
	}
	return nil
}

// count lists the rule's chain and returns how many entries match it.
func (f *Firewall) count(ctx context.Context, bin string, r rule) (int, error) {
	out, err := f.exec.Run(ctx, bin, "-w", "-t", r.table, "-S", r.chain)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s/%s: %w", r.table, r.chain, err)
	}

	want := canonicalRule(r.spec)
	n := 0
	for _, line := range strings.Split(out, "\n") {
		chain, spec, ok := parseRuleLine(line)
		if !ok || chain != r.chain {
			continue
		}
		if canonicalRule(spec) == want {
			n++
		}
	}
	return n, nil
}

func (f *Firewall) insert(ctx context.Context, bin string, r rule) error {
	args := append([]string{"-w", "-t", r.table, "-I", r.chain, "1"}, r.spec...)
	if _, err := f.exec.Run(ctx, bin, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", r, err)
	}
	return nil
}

func (f *Firewall) delete(ctx context.Context, bin string, r rule) error {
	args := append([]string{"-w", "-t", r.table, "-D", r.chain}, r.spec...)
	if _, err := f.exec.Run(ctx, bin, args...); err != nil {
		return fmt.Errorf("failed to delete %s: %w", r, err)
	}
	return nil
}

func (f *Firewall) rollback(ctx context.Context, bin string, added []rule) {
	for _, r := range added {
		if err := f.delete(ctx, bin, r); err != nil {
			f.logger.Error("failed to roll back partial grant, manual cleanup required",
				zap.String("rule", r.String()),
				zap.Error(err),
			)
		}
	}
}

// parseRuleLine splits an "iptables -S" line into its chain and rule arguments.
// Negated matches are reported as not ok; they never describe our rules.
func parseRuleLine(line string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || fields[0] != "-A" {
		return "", nil, false
	}
	for _, f := range fields {
		if f == "!" {
			return "", nil, false
		}
	}
	spec := make([]string, 0, len(fields)-2)
	for _, f := range fields[2:] {
		spec = append(spec, strings.Trim(f, `"`))
	}
	return fields[1], spec, true
}

// canonicalRule renders rule arguments as an order-insensitive key, since
// iptables prints matches in its own order. Addresses are compared as prefixes
// so "10.0.0.5" and "10.0.0.5/32" are equal.
func canonicalRule(spec []string) string {
	var pairs []string
	for i := 0; i < len(spec); i++ {
		flag := spec[i]
		value := ""
		if i+1 < len(spec) && !strings.HasPrefix(spec[i+1], "-") {
			value = spec[i+1]
			i++
		}
		if flag == "-s" || flag == "-d" {
			value = canonicalPrefix(value)
		}
		pairs = append(pairs, flag+" "+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "|")
}

func canonicalPrefix(s string) string {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked().String()
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a, a.BitLen()).String()
	}
	return s
}
