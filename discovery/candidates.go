package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	MinScanPort = 1024
	MaxScanPort = 65535
)

// DefaultProcessNames match the executables that host Dart VM services.
var DefaultProcessNames = []string{"dart", "flutter"}

// PortRange returns one candidate per port in [start, end] on host.
func PortRange(host string, start, end int) ([]Endpoint, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidCandidate)
	}
	if start < MinScanPort || end > MaxScanPort || start > end {
		return nil, fmt.Errorf("%w: port range %d-%d must lie within %d-%d with start <= end",
			ErrInvalidCandidate, start, end, MinScanPort, MaxScanPort)
	}
	out := make([]Endpoint, 0, end-start+1)
	for port := start; port <= end; port++ {
		out = append(out, Endpoint{Host: host, Port: port})
	}
	return out, nil
}

// ListeningEndpoints lists TCP ports listening on loopback or on every
// interface, owned by a process whose name contains one of processNames
// (case-insensitive). An empty processNames accepts every process.
func ListeningEndpoints(ctx context.Context, processNames []string) ([]Endpoint, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	names := make(map[int32]string)
	seen := make(map[Endpoint]struct{})
	var out []Endpoint

	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		host, ok := probeHost(c.Laddr.IP)
		if !ok {
			continue
		}
		if len(processNames) > 0 {
			name, found := names[c.Pid]
			if !found {
				name = processName(ctx, c.Pid)
				names[c.Pid] = name
			}
			if !matchesAny(name, processNames) {
				continue
			}
		}
		ep := Endpoint{Host: host, Port: int(c.Laddr.Port)}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return lessHost(out[i].Host, out[j].Host)
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

// probeHost maps a listen address to the address a local probe should dial.
func probeHost(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	switch {
	case addr.IsUnspecified():
		if addr.Is6() && !addr.Is4In6() {
			return "::1", true
		}
		return DefaultHost, true
	case addr.IsLoopback():
		return addr.Unmap().String(), true
	default:
		return "", false
	}
}

func processName(ctx context.Context, pid int32) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
