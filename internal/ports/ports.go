// Package ports implements the Port Inspector (C11): a best-effort lookup
// of TCP ports a running process is listening on, piggybacked on the
// Metrics Sampler's tick rather than polled independently. Failures never
// fail the sampling tick that requested them — a process with no
// discoverable ports simply reports none.
package ports

import (
	"context"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// ListeningPorts returns the TCP ports pid is listening on, sorted by first
// appearance from the underlying connection table. It is best-effort: any
// lookup error yields an empty, non-error result, matching the Metrics
// Sampler's "failures mark stale, never fail the command" rule. A
// non-positive pid yields no ports.
func ListeningPorts(ctx context.Context, pid int32) []uint16 {
	if pid <= 0 {
		return nil
	}
	conns, err := gnet.ConnectionsPidWithContext(ctx, "tcp", pid)
	if err != nil {
		return nil
	}
	seen := make(map[uint16]bool)
	var out []uint16
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := uint16(c.Laddr.Port)
		if port == 0 || seen[port] {
			continue
		}
		seen[port] = true
		out = append(out, port)
	}
	return out
}
