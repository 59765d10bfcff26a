// Package routertest provides an in-memory iptables and neighbor table for tests.
package routertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// FakeExecutor emulates the iptables, ip6tables and ip commands.
type FakeExecutor struct {
	mu        sync.Mutex
	rules     map[string][]string // "bin/table/chain" -> "-A CHAIN ..." lines
	neighbors map[string]string
	calls     []string

	// FailWhen, if set, is consulted before every command; a non-nil error fails it.
	FailWhen func(cmd string) error
}

// NewFakeExecutor creates an empty fake.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		rules:     make(map[string][]string),
		neighbors: make(map[string]string),
	}
}

// SetNeighbor adds a neighbor table entry.
func (f *FakeExecutor) SetNeighbor(ip, mac string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighbors[ip] = mac
}

// SeedRule appends a raw "-A CHAIN ..." line, as an administrator would.
func (f *FakeExecutor) SeedRule(bin, table, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain := strings.Fields(line)[1]
	k := key(bin, table, chain)
	f.rules[k] = append(f.rules[k], line)
}

// Rules returns the lines of a chain.
func (f *FakeExecutor) Rules(bin, table, chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rules[key(bin, table, chain)]...)
}

// RulesFor returns every rule line in any chain mentioning ip.
func (f *FakeExecutor) RulesFor(ip string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, lines := range f.rules {
		for _, l := range lines {
			if strings.Contains(l, " "+ip+"/") {
				out = append(out, l)
			}
		}
	}
	return out
}

// Calls returns every command line run so far.
func (f *FakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Run implements router.Executor.
func (f *FakeExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, cmd)

	if f.FailWhen != nil {
		if err := f.FailWhen(cmd); err != nil {
			return "", err
		}
	}

	switch name {
	case "iptables", "ip6tables":
		return f.iptables(name, args)
	case "ip":
		return f.ip(args)
	}
	return "", fmt.Errorf("unknown command %q", name)
}

func (f *FakeExecutor) iptables(bin string, args []string) (string, error) {
	table := "filter"
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-w":
		case "-t":
			table = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) < 2 {
		return "", errors.New("iptables: missing operation")
	}

	op, chain, spec := rest[0], rest[1], rest[2:]
	k := key(bin, table, chain)

	switch op {
	case "-S":
		out := fmt.Sprintf("-P %s ACCEPT\n", chain)
		for _, l := range f.rules[k] {
			out += l + "\n"
		}
		return out, nil
	case "-A":
		f.rules[k] = append(f.rules[k], line(chain, spec))
		return "", nil
	case "-I":
		if len(spec) > 0 && spec[0] == "1" {
			spec = spec[1:]
		}
		f.rules[k] = append([]string{line(chain, spec)}, f.rules[k]...)
		return "", nil
	case "-D":
		want := line(chain, spec)
		for i, l := range f.rules[k] {
			if l == want {
				f.rules[k] = append(f.rules[k][:i], f.rules[k][i+1:]...)
				return "", nil
			}
		}
		return "", errors.New("iptables: Bad rule (does a matching rule exist in that chain?)")
	}
	return "", fmt.Errorf("iptables: unsupported operation %s", op)
}

func (f *FakeExecutor) ip(args []string) (string, error) {
	// ip neigh show to ADDR dev IFACE
	if len(args) < 4 || args[0] != "neigh" || args[1] != "show" || args[2] != "to" {
		return "", fmt.Errorf("ip: unsupported arguments %v", args)
	}
	addr := args[3]
	mac, ok := f.neighbors[addr]
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%s lladdr %s REACHABLE\n", addr, mac), nil
}

func key(bin, table, chain string) string {
	return bin + "/" + table + "/" + chain
}

func line(chain string, spec []string) string {
	return strings.TrimSpace("-A " + chain + " " + strings.Join(spec, " "))
}
