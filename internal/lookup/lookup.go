// Package lookup resolves [addr.Address] values to display names for the
// query surface's human-facing consumers (current_paths/topology results).
// It never touches the core model: resolution is a pure function the caller
// applies at the query boundary, never stored alongside a Session or Link.
package lookup

import (
	"errors"
	"fmt"
	"net"

	"github.com/mtrtopo/pathwatch/internal/addr"
)

// NumericMode disables reverse resolution; Label then always returns the
// address's numeric form. Exposed as a package var so a --numeric flag can
// bind to it directly.
var NumericMode bool

// Label returns the first PTR record for a, or its numeric string form if
// NumericMode is set, resolution fails, or no record exists.
func Label(a addr.Address) string {
	if NumericMode || a.IsZero() {
		return a.String()
	}
	names, err := net.LookupAddr(a.IP().String())
	if err != nil || len(names) == 0 {
		return a.String()
	}
	return names[0]
}

// Resolve parses a string address or hostname into an Address, preferring
// the first IPv4 result when both families are returned.
func Resolve(s string) (addr.Address, error) {
	ips, err := net.LookupIP(s)
	if err != nil {
		return addr.Address{}, fmt.Errorf("lookup: %w", err)
	}
	if len(ips) == 0 {
		return addr.Address{}, errors.New("lookup: no addresses found")
	}
	ip := ips[0]
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = candidate
			break
		}
	}
	return addr.FromIP(ip), nil
}
