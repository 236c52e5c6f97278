package certs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"

	"fortio.org/log"
	"fortio.org/sets"
)

// DefaultAddressCommand lists the IPv4 addresses of all local interfaces, one per line.
const DefaultAddressCommand = "ip -4 -o addr show"

// Loopback is always part of the certificate's SAN list.
var Loopback = netip.MustParseAddr("127.0.0.1")

// LocalAddressLister reports the IPv4 addresses of the local machine.
type LocalAddressLister interface {
	ListIPv4(ctx context.Context) ([]netip.Addr, error)
}

// CommandLister runs an external tool and extracts IPv4 addresses from its
// output. Both `ip -o addr` lines ("... inet 192.168.1.5/24 brd ...") and
// bare address lists (`hostname -I`) are understood.
type CommandLister struct {
	Argv []string
}

// NewCommandLister splits cmd (e.g. DefaultAddressCommand) into a CommandLister.
func NewCommandLister(cmd string) (*CommandLister, error) {
	argv, err := SplitCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("address command %q: %w", cmd, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty address command")
	}
	return &CommandLister{Argv: argv}, nil
}

func (c *CommandLister) ListIPv4(ctx context.Context) ([]netip.Addr, error) {
	//nolint:gosec // the command comes from the operator's own flags/config.
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	log.LogVf("Running %#v", cmd.Args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", c.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return ParseAddressOutput(string(out)), nil
}

// ParseAddressOutput extracts IPv4 addresses from `ip -o addr` or
// `hostname -I` style output. Prefix lengths are dropped.
func ParseAddressOutput(out string) []netip.Addr {
	var res []netip.Addr
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if i := indexOf(fields, "inet"); i >= 0 {
			if i+1 < len(fields) {
				if a, ok := parseIPv4(fields[i+1]); ok {
					res = append(res, a)
				}
			}
			continue
		}
		for _, f := range fields {
			if a, ok := parseIPv4(f); ok {
				res = append(res, a)
			}
		}
	}
	return res
}

func indexOf(fields []string, s string) int {
	for i, f := range fields {
		if f == s {
			return i
		}
	}
	return -1
}

func parseIPv4(s string) (netip.Addr, bool) {
	s, _, _ = strings.Cut(s, "/")
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	a = a.Unmap()
	return a, a.Is4()
}

// InterfaceLister uses the Go runtime's view of the network interfaces
// instead of an external tool.
type InterfaceLister struct{}

func (InterfaceLister) ListIPv4(_ context.Context) ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var res []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipnet.IP); ok && ip.Unmap().Is4() {
			res = append(res, ip.Unmap())
		}
	}
	return res, nil
}

// DiscoverIPv4 returns the loopback address followed by every distinct IPv4
// address the lister reports. A nil lister or a failing one yields only the
// loopback address; the failure is logged, never returned.
func DiscoverIPv4(ctx context.Context, lister LocalAddressLister) []netip.Addr {
	res := []netip.Addr{Loopback}
	if lister == nil {
		return res
	}
	found, err := lister.ListIPv4(ctx)
	if err != nil {
		log.Warnf("Local address discovery failed, certificate will only cover localhost/%s: %v", Loopback, err)
		return res
	}
	seen := sets.New(Loopback)
	for _, a := range found {
		a = a.Unmap()
		if !a.Is4() || seen.Has(a) {
			continue
		}
		seen.Add(a)
		res = append(res, a)
	}
	return res
}
