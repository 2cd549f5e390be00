// Package transport implements the ICMP Transport: a single correlated
// Probe call built on top of a [backend.Conn]. It owns no
// per-call state beyond what's needed to correlate one in-flight request
// with its reply; retransmission and pacing are session policy.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/backend"
	"github.com/mtrtopo/pathwatch/internal/probe"
)

// Transport sends Echo Requests over a single [backend.Conn] and correlates
// replies by sequence number. It is safe for concurrent use by multiple
// callers (multiple hops of the same trace, or probes from distinct TTLs
// fired back to back); a single background goroutine demultiplexes incoming
// packets, so every caller shares one receiver.
type Transport struct {
	conn   backend.Conn
	clock  clock.Clock
	log    *zap.SugaredLogger
	nextSeq uint32

	mu      sync.Mutex
	waiters map[uint16]chan probe.Outcome
	done    chan struct{}
	closeOnce sync.Once
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock overrides the clock used for timestamps, for deterministic
// tests.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithLogger attaches a logger; components default to a no-op logger if
// omitted.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Transport) { t.log = l }
}

// New creates a Transport over conn. The Transport takes ownership of conn
// and closes it when Close is called.
func New(conn backend.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:    conn,
		clock:   clock.NewClock(),
		log:     zap.NewNop().Sugar(),
		waiters: make(map[uint16]chan probe.Outcome),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.receiveLoop()
	return t
}

// Close shuts down the receive loop and the underlying connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Probe sends one Echo Request at ttl and waits up to timeout for its
// correlated reply. It never returns an error for a failed probe: transport
// failures are reported as probe.SendError outcomes so the session can
// count them as losses.
func (t *Transport) Probe(ctx context.Context, target net.Addr, ttl int, timeout time.Duration, seqHint *uint16) probe.Outcome {
	seq := t.sequence(seqHint)
	sentAt := t.clock.Now()

	ch := make(chan probe.Outcome, 1)
	t.mu.Lock()
	t.waiters[seq] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, seq)
		t.mu.Unlock()
	}()

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(sentAt.UnixNano()))

	pkt := &backend.Packet{Type: backend.PacketRequest, Seq: seq, Payload: payload}
	var opts []backend.WriteOption
	if ttl > 0 {
		opts = append(opts, backend.TTLOption{TTL: ttl})
	}
	if err := t.conn.WriteTo(pkt, target, opts...); err != nil {
		return probe.Outcome{
			Kind:       probe.SendError,
			TTL:        ttl,
			Sequence:   seq,
			SentAt:     sentAt,
			ReceivedAt: t.clock.Now(),
			Err:        err,
			Permanent:  isPermanent(err),
		}
	}

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-ch:
		o.TTL = ttl
		o.SentAt = sentAt
		return o
	case <-timer.C():
		return probe.Outcome{
			Kind:       probe.Timeout,
			TTL:        ttl,
			Sequence:   seq,
			SentAt:     sentAt,
			ReceivedAt: t.clock.Now(),
		}
	case <-ctx.Done():
		return probe.Outcome{
			Kind:       probe.Timeout,
			TTL:        ttl,
			Sequence:   seq,
			SentAt:     sentAt,
			ReceivedAt: t.clock.Now(),
			Err:        ctx.Err(),
		}
	case <-t.done:
		return probe.Outcome{
			Kind:       probe.SendError,
			TTL:        ttl,
			Sequence:   seq,
			SentAt:     sentAt,
			ReceivedAt: t.clock.Now(),
			Err:        fmt.Errorf("transport: closed"),
		}
	}
}

// sequence chooses the correlation sequence for a probe: the caller's hint,
// if given, or the next value from an internal counter.
func (t *Transport) sequence(hint *uint16) uint16 {
	if hint != nil {
		return *hint
	}
	return uint16(atomic.AddUint32(&t.nextSeq, 1))
}

// receiveLoop demultiplexes every incoming packet to the waiter registered
// for its sequence number. Replies with no matching waiter (unrelated
// flows, or a reply arriving after its probe's timeout already fired) are
// discarded.
func (t *Transport) receiveLoop() {
	for {
		pkt, peer, err := t.conn.ReadFrom(context.Background())
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Debugw("transport: read error", "error", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.waiters[pkt.Seq]
		t.mu.Unlock()
		if !ok {
			continue
		}

		o := probe.Outcome{
			Responder:  addr.FromNetAddr(peer),
			Sequence:   pkt.Seq,
			Code:       pkt.Code,
			ReceivedAt: t.clock.Now(),
		}
		switch pkt.Type {
		case backend.PacketReply:
			o.Kind = probe.EchoReply
			o.RTT = rttFromPayload(pkt.Payload, o.ReceivedAt)
		case backend.PacketTimeExceeded:
			o.Kind = probe.TimeExceeded
			o.RTT = rttFromPayload(pkt.Payload, o.ReceivedAt)
		case backend.PacketDestinationUnreachable:
			o.Kind = probe.Unreachable
		default:
			o.Kind = probe.OtherICMP
		}

		select {
		case ch <- o:
		default:
		}
	}
}

// rttFromPayload recovers the send timestamp embedded in the probe payload
// (and reflected back by the kernel/router) to compute RTT independent of
// which goroutine observed the send.
func rttFromPayload(payload []byte, receivedAt time.Time) time.Duration {
	if len(payload) < 8 {
		return 0
	}
	sentNanos := int64(binary.BigEndian.Uint64(payload[:8]))
	if sentNanos <= 0 {
		return 0
	}
	d := receivedAt.Sub(time.Unix(0, sentNanos))
	if d < 0 {
		return 0
	}
	return d
}

// isPermanent reports whether a send error will not resolve by retrying.
// Permission failures are the only such case the transport distinguishes;
// everything else (network unreachable, buffer exhaustion) is transient.
func isPermanent(err error) bool {
	return errors.Is(err, backend.ErrPermissionDenied)
}

// Multiplex dispatches a Probe to one of two underlying Transports by the
// target address's family, so a single session.Prober can drive both
// IPv4 and IPv6 targets. Either Transport may be nil if that family isn't
// supported on this host; probing an address of that family then always
// returns a permanent send_error.
type Multiplex struct {
	V4 *Transport
	V6 *Transport
}

// Probe implements session.Prober.
func (m *Multiplex) Probe(ctx context.Context, target net.Addr, ttl int, timeout time.Duration, seqHint *uint16) probe.Outcome {
	a := addr.FromNetAddr(target)
	var t *Transport
	switch a.Family() {
	case addr.V4:
		t = m.V4
	case addr.V6:
		t = m.V6
	}
	if t == nil {
		return probe.Outcome{
			TTL:       ttl,
			Kind:      probe.SendError,
			Err:       fmt.Errorf("transport: no backend for address family of %s", target),
			Permanent: true,
		}
	}
	return t.Probe(ctx, target, ttl, timeout, seqHint)
}

// Close closes both underlying Transports.
func (m *Multiplex) Close() error {
	var err error
	if m.V4 != nil {
		if e := m.V4.Close(); e != nil {
			err = e
		}
	}
	if m.V6 != nil {
		if e := m.V6.Close(); e != nil {
			err = e
		}
	}
	return err
}
