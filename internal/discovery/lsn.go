// Package discovery reconstructs the logical and physical replication
// topology from PostgreSQL system catalogs and computes per-stream lag.
package discovery

import (
	"strconv"
	"strings"
)

// ParseLSN converts a PostgreSQL log sequence number string of the form
// "<hex-high>/<hex-low>" into a 64-bit byte offset, (high << 32) | low.
func ParseLSN(s string) (uint64, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, false
	}
	high, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, false
	}
	low, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, false
	}
	return high<<32 | low, true
}

// LSNDiff returns the byte distance from behind to ahead, clamped to zero
// when behind has caught up or either operand fails to parse. Lag reporting
// degrades to zero rather than failing a discovery pass.
func LSNDiff(ahead, behind string) uint64 {
	a, ok := ParseLSN(ahead)
	if !ok {
		return 0
	}
	b, ok := ParseLSN(behind)
	if !ok {
		return 0
	}
	if a <= b {
		return 0
	}
	return a - b
}
