// Package backend contains the low-level interface for ICMP ping
// connections: the wire-level packet type and the Conn a [transport.Transport]
// drives. A Conn only knows how to send and receive one packet at a time; it
// has no notion of hops, sessions, or statistics.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mtrtopo/pathwatch/internal/util"
)

var (
	registry = make(map[Name]NewConnFunc)

	// ErrTimeout indicates that a read reached its deadline without a
	// matching reply.
	ErrTimeout = errors.New("timeout")

	// ErrPermissionDenied indicates the OS refused to open a raw ICMP
	// socket. The transport surfaces this distinctly from other send errors.
	ErrPermissionDenied = errors.New("permission denied opening icmp socket")
)

// PacketType is a type of ICMP packet.
type PacketType int

// Values for PacketType.
const (
	// PacketRequest is an ICMP echo request.
	PacketRequest PacketType = iota

	// PacketReply is an ICMP echo reply.
	PacketReply

	// PacketTimeExceeded is an ICMP TTL or time exceeded message.
	PacketTimeExceeded

	// PacketDestinationUnreachable is an ICMP destination unreachable message.
	PacketDestinationUnreachable

	// PacketOther is any other ICMP message this backend still parsed
	// enough to hand back (carries Code).
	PacketOther
)

func (t PacketType) String() string {
	switch t {
	case PacketRequest:
		return "PacketRequest"
	case PacketReply:
		return "PacketReply"
	case PacketTimeExceeded:
		return "PacketTimeExceeded"
	case PacketDestinationUnreachable:
		return "PacketDestinationUnreachable"
	case PacketOther:
		return "PacketOther"
	default:
		return fmt.Sprintf("(unknown:%d)", t)
	}
}

// Packet is a higher-level representation of a ping request or reply.
type Packet struct {
	// Type is the type of packet sent or received.
	Type PacketType

	// Seq is the 16-bit correlation sequence for this request/response pair.
	Seq uint16

	// Code is the ICMP code field for PacketOther and
	// PacketDestinationUnreachable.
	Code int

	// Payload contains the raw data sent in a request, or echoed back in a
	// reply: an 8-byte send timestamp plus any padding.
	Payload []byte
}

// WriteOption is an option that may be passed to WriteTo.
type WriteOption any

// TTLOption sets the TTL / hop limit for one write.
type TTLOption struct {
	TTL int
}

// Conn is the interface implemented by ICMP backend connections.
type Conn interface {
	// WriteTo sends an echo request with the given TTL/hop-limit.
	WriteTo(pkt *Packet, dest net.Addr, opts ...WriteOption) error

	// ReadFrom reads the next available ICMP message, blocking until one
	// arrives or ctx is done.
	ReadFrom(ctx context.Context) (pkt *Packet, peer net.Addr, err error)

	// Close closes the connection. Any blocked read or write is unblocked
	// and returns an error, matching standard Go network connections.
	Close() error
}

// Name is the name of a backend.
type Name string

// ICMP is the only backend this system registers; the type remains so a
// future non-ICMP backend (explicitly out of scope per spec) has somewhere
// to register without touching callers.
const ICMP Name = "icmp"

// NewConnFunc creates a connection for one address family.
type NewConnFunc func(util.IPVersion) (Conn, error)

// Register configures a new backend. Called from backend implementation
// packages' init().
func Register(n Name, nc NewConnFunc) {
	registry[n] = nc
}

// New creates a new connection using the named, registered backend. If
// UsePrivsep has configured a privileged helper, the connection is opened
// there instead, so the calling process never needs CAP_NET_RAW itself.
func New(name Name, ipVer util.IPVersion) (Conn, error) {
	if privsepClient != nil {
		return privsepClient.NewConn(ipVer)
	}
	nc, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend: invalid backend %q", name)
	}
	return nc(ipVer)
}

var privsepClient PrivsepClient

// PrivsepClient is the interface a privilege-separated helper process client
// must satisfy to serve New's connections.
type PrivsepClient interface {
	NewConn(util.IPVersion) (Conn, error)
}

// UsePrivsep routes every future New call through client instead of the
// local backend registry, handing off raw-socket creation to whatever
// privileged process client talks to.
func UsePrivsep(client PrivsepClient) {
	privsepClient = client
}
