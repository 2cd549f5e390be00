// Package icmptest provides a scripted fake [backend.Conn] for deterministic
// transport, session and scheduler tests, standing in for a live raw socket.
package icmptest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/mtrtopo/pathwatch/internal/backend"
)

var (
	// LoopbackV4 is the IPv4 loopback address.
	LoopbackV4 = &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}

	// LoopbackV6 is the IPv6 loopback address.
	LoopbackV6 = &net.UDPAddr{IP: net.ParseIP("::1")}
)

// Exchange is one scripted request/reply pair for [FakeConn].
type Exchange struct {
	// WantSeq is the sequence number the next WriteTo must carry.
	WantSeq uint16

	// WantTTL is the TTL the next WriteTo must carry. Zero means no TTL
	// option is expected.
	WantTTL int

	// SendErr, if set, makes WriteTo fail instead of succeeding.
	SendErr error

	// NoReply skips queuing a reply for this exchange; ReadFrom will hang
	// until Close or the context is done.
	NoReply bool

	// ReplyType, ReplyPeer and ReplyCode describe the reply ReadFrom
	// returns for this exchange.
	ReplyType backend.PacketType
	ReplyPeer net.Addr
	ReplyCode int

	// Payload, if non-nil, is the payload the next WriteTo must carry. The
	// reply always echoes back the payload actually written, as a real
	// ICMP echo reply would.
	Payload []byte
}

// FakeConn is a [backend.Conn] driven by a queue of [Exchange] scripts. Each
// WriteTo call consumes the next exchange and validates the written packet;
// the matching reply becomes available to ReadFrom immediately (this fake
// has no network latency to simulate).
type FakeConn struct {
	mu      sync.Mutex
	queue   []Exchange
	replies chan *scriptedReply
	closed  chan struct{}
	closeOnce sync.Once
	t       TestingT
}

// TestingT is the subset of *testing.T used to report script mismatches.
type TestingT interface {
	Errorf(format string, args ...any)
}

type scriptedReply struct {
	pkt  *backend.Packet
	peer net.Addr
}

// NewFakeConn creates a FakeConn with the given exchange script, consumed in
// order by successive WriteTo/ReadFrom pairs.
func NewFakeConn(t TestingT, exchanges ...Exchange) *FakeConn {
	return &FakeConn{
		queue:   exchanges,
		replies: make(chan *scriptedReply, len(exchanges)+1),
		closed:  make(chan struct{}),
		t:       t,
	}
}

// WriteTo implements [backend.Conn].
func (c *FakeConn) WriteTo(pkt *backend.Packet, dest net.Addr, opts ...backend.WriteOption) error {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("icmptest: unexpected WriteTo, script exhausted: %+v", pkt)
	}
	ex := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if pkt.Seq != ex.WantSeq {
		c.t.Errorf("icmptest: WriteTo seq = %d, want %d", pkt.Seq, ex.WantSeq)
	}
	var gotTTL int
	for _, o := range opts {
		if t, ok := o.(backend.TTLOption); ok {
			gotTTL = t.TTL
		}
	}
	if gotTTL != ex.WantTTL {
		c.t.Errorf("icmptest: WriteTo ttl = %d, want %d", gotTTL, ex.WantTTL)
	}
	if ex.Payload != nil && !cmp.Equal(pkt.Payload, ex.Payload) {
		c.t.Errorf("icmptest: WriteTo payload mismatch (-want +got):\n%s", cmp.Diff(ex.Payload, pkt.Payload))
	}

	if ex.SendErr != nil {
		return ex.SendErr
	}
	if ex.NoReply {
		return nil
	}
	peer := ex.ReplyPeer
	if peer == nil {
		peer = dest
	}
	c.replies <- &scriptedReply{
		pkt: &backend.Packet{
			Type:    ex.ReplyType,
			Seq:     pkt.Seq,
			Code:    ex.ReplyCode,
			Payload: pkt.Payload,
		},
		peer: peer,
	}
	return nil
}

// ReadFrom implements [backend.Conn].
func (c *FakeConn) ReadFrom(ctx context.Context) (*backend.Packet, net.Addr, error) {
	select {
	case r := <-c.replies:
		return r.pkt, r.peer, nil
	case <-ctx.Done():
		return nil, nil, backend.ErrTimeout
	case <-c.closed:
		return nil, nil, fmt.Errorf("icmptest: connection closed")
	}
}

// Close implements [backend.Conn].
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// DiffIP diffs two net.Addr by their IP, ignoring port/zone differences the
// backend doesn't preserve.
func DiffIP(want, got net.Addr) string {
	ipOf := func(a net.Addr) net.IP {
		switch a := a.(type) {
		case *net.UDPAddr:
			return a.IP
		case *net.IPAddr:
			return a.IP
		case *net.TCPAddr:
			return a.IP
		default:
			return nil
		}
	}
	return cmp.Diff(ipOf(want).String(), ipOf(got).String())
}
