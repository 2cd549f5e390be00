// Package icmp is the raw-socket ICMPv4/ICMPv6 [backend.Conn] implementation:
// the system's only [backend.Name] per spec (non-ICMP probing is a non-goal).
package icmp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"github.com/mtrtopo/pathwatch/internal/backend"
	"github.com/mtrtopo/pathwatch/internal/util"
)

const (
	icmpV4ProtoNum  = 1
	icmpV6ProtoNum  = 58
	ipv6HeaderLen   = 40
	maxMTU          = 1500
	minPingInterval = 10 * time.Millisecond
	maxActiveConns  = 256
)

func init() {
	backend.Register(backend.ICMP, func(v util.IPVersion) (backend.Conn, error) {
		return New(v)
	})
}

// Sent to when a connection is created; received from when a connection is
// closed. This limits the total number of raw sockets a single process
// holds open, since the scheduler's worker count otherwise bounds nothing
// at this layer.
var activeConns = make(chan any, maxActiveConns)

// PingConn is a raw ICMP ping connection. A connection handles either IPv4
// or IPv6, never both.
type PingConn struct {
	protoNum int
	icmpType icmp.Type
	pingID   int
	limiter  *rate.Limiter

	// Write operations are locked so that TTL can be set and reset
	// atomically. Read locks for sends on the default TTL, write locks for
	// a custom TTL, so the common case of concurrent probes at a fixed TTL
	// doesn't serialize on each other.
	ttlMu sync.RWMutex
	conn  *icmp.PacketConn
}

// New creates a new ICMP ping connection for the given IP version. Returns
// [backend.ErrPermissionDenied] if the OS refuses to open the raw socket.
func New(ipVer util.IPVersion) (*PingConn, error) {
	select {
	case activeConns <- nil:
	default:
		return nil, errors.New("icmp: too many open connections")
	}

	protoNum := icmpV4ProtoNum
	icmpType := icmp.Type(ipv4.ICMPTypeEcho)
	if ipVer == util.IPv6 {
		protoNum = icmpV6ProtoNum
		icmpType = ipv6.ICMPTypeEchoRequest
	}

	conn, err := newConn(ipVer)
	if err != nil {
		<-activeConns
		if errors.Is(err, os.ErrPermission) {
			return nil, backend.ErrPermissionDenied
		}
		return nil, fmt.Errorf("icmp: listen error: %w", err)
	}
	pingID, err := pingID(conn)
	if err != nil {
		<-activeConns
		conn.Close()
		return nil, fmt.Errorf("icmp: pingID: %w", err)
	}
	p := &PingConn{
		protoNum: protoNum,
		icmpType: icmpType,
		pingID:   pingID,
		limiter:  rate.NewLimiter(rate.Every(minPingInterval), 8),
		conn:     conn,
	}
	return p, nil
}

// Close closes the connection.
func (p *PingConn) Close() error {
	err := p.conn.Close()
	<-activeConns
	return err
}

func (p *PingConn) setTTL(ttl int) error {
	switch p.protoNum {
	case icmpV4ProtoNum:
		return p.conn.IPv4PacketConn().SetTTL(ttl)
	case icmpV6ProtoNum:
		return p.conn.IPv6PacketConn().SetHopLimit(ttl)
	default:
		log.Panicf("icmp: invalid protonum: %d", p.protoNum)
	}
	return nil
}

func (p *PingConn) ttl() (int, error) {
	switch p.protoNum {
	case icmpV4ProtoNum:
		return p.conn.IPv4PacketConn().TTL()
	case icmpV6ProtoNum:
		return p.conn.IPv6PacketConn().HopLimit()
	default:
		log.Panicf("icmp: invalid protonum: %d", p.protoNum)
	}
	return 0, nil
}

// WriteTo sends an ICMP echo request, optionally at a given TTL.
func (p *PingConn) WriteTo(pkt *backend.Packet, dest net.Addr, opts ...backend.WriteOption) error {
	if !p.limiter.Allow() {
		return errors.New("icmp: rate limit exceeded")
	}
	dest = wrangleAddr(dest)
	var withTTL int
	for _, o := range opts {
		switch o := o.(type) {
		case backend.TTLOption:
			withTTL = o.TTL
		default:
			return fmt.Errorf("icmp: unsupported write option: %#v", o)
		}
	}
	if withTTL != 0 {
		return p.writeToTTL(pkt, dest, withTTL)
	}
	return p.writeToNormal(pkt, dest)
}

func (p *PingConn) writeToNormal(pkt *backend.Packet, dest net.Addr) error {
	p.ttlMu.RLock()
	defer p.ttlMu.RUnlock()
	return p.baseWriteTo(pkt, dest)
}

func (p *PingConn) writeToTTL(pkt *backend.Packet, dest net.Addr, ttl int) error {
	p.ttlMu.Lock()
	defer p.ttlMu.Unlock()
	origTTL, err := p.ttl()
	if err != nil {
		return fmt.Errorf("icmp: get ttl: %w", err)
	}
	defer func() {
		if err := p.setTTL(origTTL); err != nil {
			log.Printf("icmp: unable to restore ttl: %v", err)
		}
	}()
	if err := p.setTTL(ttl); err != nil {
		return fmt.Errorf("icmp: set ttl: %w", err)
	}
	return p.baseWriteTo(pkt, dest)
}

func (p *PingConn) baseWriteTo(pkt *backend.Packet, dest net.Addr) error {
	if pkt.Type != backend.PacketRequest {
		return fmt.Errorf("icmp: packet type must be %v (got %v)", backend.PacketRequest, pkt.Type)
	}

	wm := icmp.Message{
		Type: p.icmpType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.pingID,
			Seq:  int(pkt.Seq),
			Data: pkt.Payload,
		},
	}
	wb, err := wm.Marshal(nil)
	if err != nil {
		return fmt.Errorf("icmp: marshal error: %w", err)
	}

	if _, err := p.conn.WriteTo(wb, dest); err != nil {
		return err
	}
	return nil
}

// ReadFrom reads the next ICMP message addressed to this connection's
// identifier, discarding messages that carry another identifier (unrelated
// flows sharing the raw socket) and, on some platforms, the ICMPv6
// reflection of the packet this process just sent. A message of a type it
// does not handle, or whose reflected header cannot be parsed, is returned
// as an error.
func (p *PingConn) ReadFrom(ctx context.Context) (*backend.Packet, net.Addr, error) {
	buf := make([]byte, maxMTU)
	for {
		if dl, ok := ctx.Deadline(); ok {
			if err := p.conn.SetReadDeadline(dl); err != nil {
				return nil, nil, err
			}
		} else if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, nil, err
		}
		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			if strings.HasSuffix(err.Error(), "timeout") {
				return nil, peer, backend.ErrTimeout
			}
			return nil, peer, fmt.Errorf("icmp: read error: %w", err)
		}

		rm, err := icmp.ParseMessage(p.protoNum, buf[:n])
		if err != nil {
			return nil, peer, fmt.Errorf("icmp: parse error: %w", err)
		}
		if rm.Type == ipv6.ICMPTypeEchoRequest {
			// Some platforms loop the just-sent packet back to this socket.
			continue
		}
		if rm.Type != ipv4.ICMPTypeEchoReply && rm.Type != ipv6.ICMPTypeEchoReply {
			pkt, id, err := icmpMessageToPacket(rm, p.protoNum)
			if err == nil && id != p.pingID {
				continue
			}
			return pkt, peer, err
		}
		pkt, id := echoToPacket(rm.Body.(*icmp.Echo))
		if id != p.pingID {
			continue
		}
		return pkt, peer, nil
	}
}

// pingID derives this connection's 16-bit ICMP identifier. Unprivileged
// (datagram) sockets get their identifier assigned by the kernel as the
// local UDP-like port; raw sockets fall back to a process-scoped counter.
func pingID(conn *icmp.PacketConn) (int, error) {
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok && la.Port != 0 {
		return la.Port & 0xffff, nil
	}
	return util.GenID() & 0xffff, nil
}

func echoToPacket(msg *icmp.Echo) (*backend.Packet, int) {
	return &backend.Packet{
		Type:    backend.PacketReply,
		Seq:     uint16(msg.Seq),
		Payload: msg.Data,
	}, msg.ID
}

// icmpMessageToPacket unwraps a TimeExceeded, DstUnreach, ParamProb or
// PacketTooBig message (the last two as PacketOther) and parses the
// reflected inner header to recover the original echo request's identifier
// and sequence. The inner header's format and length differ
// between IPv4 and IPv6, so this branches on protoNum.
func icmpMessageToPacket(msg *icmp.Message, protoNum int) (*backend.Packet, int, error) {
	var packetType backend.PacketType
	var bodyData []byte
	code := msg.Code

	switch body := msg.Body.(type) {
	case *icmp.TimeExceeded:
		packetType = backend.PacketTimeExceeded
		bodyData = body.Data
	case *icmp.DstUnreach:
		packetType = backend.PacketDestinationUnreachable
		bodyData = body.Data
	case *icmp.ParamProb:
		packetType = backend.PacketOther
		bodyData = body.Data
	case *icmp.PacketTooBig:
		packetType = backend.PacketOther
		bodyData = body.Data
	default:
		return nil, 0, fmt.Errorf("icmp: unhandled message type: %#v", msg)
	}

	var innerHeaderLen int
	var innerProtoNum int
	switch protoNum {
	case icmpV4ProtoNum:
		ipHeader, err := ipv4.ParseHeader(bodyData)
		if err != nil {
			return nil, 0, fmt.Errorf("icmp: parse inner ipv4 header: %w", err)
		}
		innerHeaderLen = ipHeader.Len
		innerProtoNum = icmpV4ProtoNum
	case icmpV6ProtoNum:
		if len(bodyData) < ipv6HeaderLen {
			return nil, 0, fmt.Errorf("icmp: inner ipv6 header truncated")
		}
		innerHeaderLen = ipv6HeaderLen
		innerProtoNum = icmpV6ProtoNum
	default:
		return nil, 0, fmt.Errorf("icmp: unknown protocol number %d", protoNum)
	}

	if innerHeaderLen >= len(bodyData) {
		return nil, 0, fmt.Errorf("icmp: inner header longer than message body")
	}

	retICMP, err := icmp.ParseMessage(innerProtoNum, bodyData[innerHeaderLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("icmp: parse inner icmp message: %w", err)
	}
	if retICMP.Type != ipv4.ICMPTypeEcho && retICMP.Type != ipv6.ICMPTypeEchoRequest {
		return nil, 0, fmt.Errorf("icmp: unexpected inner type: %v", retICMP.Type)
	}
	pkt, id := echoToPacket(retICMP.Body.(*icmp.Echo))
	pkt.Type = packetType
	pkt.Code = code
	return pkt, id, nil
}
