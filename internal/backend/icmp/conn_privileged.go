//go:build !(linux || darwin)

package icmp

import (
	"log"
	"net"

	"golang.org/x/net/icmp"

	"github.com/mtrtopo/pathwatch/internal/util"
)

// newConn opens a raw ICMP socket. Requires CAP_NET_RAW or equivalent; its
// caller, New, reports backend.ErrPermissionDenied when this fails for that
// reason.
func newConn(ipVer util.IPVersion) (*icmp.PacketConn, error) {
	var network string
	switch ipVer {
	case util.IPv4:
		network = "ip4:icmp"
	case util.IPv6:
		network = "ip6:ipv6-icmp"
	default:
		log.Panicf("icmp: unknown IP version: %v", ipVer)
	}
	return icmp.ListenPacket(network, "")
}

func wrangleAddr(addr net.Addr) *net.IPAddr {
	switch addr := addr.(type) {
	case *net.IPAddr:
		return addr
	case *net.UDPAddr:
		return &net.IPAddr{IP: addr.IP}
	}
	return nil
}
