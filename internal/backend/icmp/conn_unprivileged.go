//go:build linux || darwin

package icmp

import (
	"log"
	"net"

	"golang.org/x/net/icmp"

	"github.com/mtrtopo/pathwatch/internal/util"
)

// newConn opens an unprivileged "ping socket" (SOCK_DGRAM ICMP). On Linux
// this requires the host's net.ipv4.ping_group_range sysctl to include the
// process's group; on Darwin it works out of the box. Either way, no raw
// socket capability is needed.
func newConn(ipVer util.IPVersion) (*icmp.PacketConn, error) {
	var network string
	switch ipVer {
	case util.IPv4:
		network = "udp4"
	case util.IPv6:
		network = "udp6"
	default:
		log.Panicf("icmp: unknown IP version: %v", ipVer)
	}
	return icmp.ListenPacket(network, "")
}

func wrangleAddr(addr net.Addr) *net.UDPAddr {
	switch addr := addr.(type) {
	case *net.IPAddr:
		return &net.UDPAddr{IP: addr.IP}
	case *net.UDPAddr:
		return addr
	}
	return nil
}
