// Package addr defines the opaque network address type shared by every
// component in pathwatch: the transport, the session, and the topology
// graph all compare and format addresses the same way.
package addr

import (
	"fmt"
	"net"
)

// Family distinguishes IPv4 from IPv6 addresses.
type Family uint8

// Values for Family.
const (
	Unknown Family = iota
	V4
	V6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "ipv4"
	case V6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Address is an opaque IPv4 or IPv6 endpoint. It is comparable with ==
// after normalization through [FromIP] or [FromNetAddr], and is safe to use
// as a map key.
type Address struct {
	family Family
	hi     uint64
	lo     uint64
}

// Zero is the absent address.
var Zero Address

// FromIP builds an Address from a [net.IP]. Returns [Zero] for a nil or
// malformed IP.
func FromIP(ip net.IP) Address {
	if ip == nil {
		return Zero
	}
	if v4 := ip.To4(); v4 != nil {
		var a Address
		a.family = V4
		a.lo = uint64(v4[0])<<24 | uint64(v4[1])<<16 | uint64(v4[2])<<8 | uint64(v4[3])
		return a
	}
	v6 := ip.To16()
	if v6 == nil {
		return Zero
	}
	a := Address{family: V6}
	for i := 0; i < 8; i++ {
		a.hi = a.hi<<8 | uint64(v6[i])
	}
	for i := 8; i < 16; i++ {
		a.lo = a.lo<<8 | uint64(v6[i])
	}
	return a
}

// FromNetAddr extracts the IP from a [net.Addr], supporting the address
// types the backend package produces (UDP, TCP, IP).
func FromNetAddr(a net.Addr) Address {
	if a == nil {
		return Zero
	}
	switch a := a.(type) {
	case *net.UDPAddr:
		return FromIP(a.IP)
	case *net.TCPAddr:
		return FromIP(a.IP)
	case *net.IPAddr:
		return FromIP(a.IP)
	default:
		ip := net.ParseIP(a.String())
		return FromIP(ip)
	}
}

// IsZero reports whether a is the absent address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Family returns a's address family.
func (a Address) Family() Family {
	return a.family
}

// IP reconstructs the [net.IP] for a.
func (a Address) IP() net.IP {
	switch a.family {
	case V4:
		return net.IPv4(byte(a.lo>>24), byte(a.lo>>16), byte(a.lo>>8), byte(a.lo))
	case V6:
		b := make(net.IP, 16)
		for i := 0; i < 8; i++ {
			b[7-i] = byte(a.hi >> (8 * i))
		}
		for i := 0; i < 8; i++ {
			b[15-i] = byte(a.lo >> (8 * i))
		}
		return b
	default:
		return nil
	}
}

// UDPAddr returns a as a *net.UDPAddr, the form the ICMP backend dials with.
func (a Address) UDPAddr() *net.UDPAddr {
	if a.IsZero() {
		return nil
	}
	return &net.UDPAddr{IP: a.IP()}
}

// Equal reports whether a and b represent the same address.
func (a Address) Equal(b Address) bool {
	return a == b
}

func (a Address) String() string {
	if a.IsZero() {
		return "<none>"
	}
	return a.IP().String()
}

// MarshalText implements [encoding.TextMarshaler] so Address can be used as
// a persistence tag value or JSON field without exposing its internal
// representation.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte(""), nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (a *Address) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*a = Zero
		return nil
	}
	ip := net.ParseIP(string(b))
	if ip == nil {
		return fmt.Errorf("addr: invalid address %q", b)
	}
	*a = FromIP(ip)
	return nil
}
