// Package hopstats maintains the bounded per-(target, ttl) history of probe
// outcomes: a fixed-size ring of recent results plus running counters,
// snapshotted into an immutable value for readers.
package hopstats

import (
	"sync"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/probe"
)

// DefaultRingSize is the default ring capacity when none is configured.
const DefaultRingSize = 10

// Snapshot is an immutable summary of one HopStats at the moment it was
// taken. Sent, Lost, LossPercent, BestRTT, WorstRTT and MeanRTT depend only
// on the outcome multiset, not on the order outcomes arrived in; LastRTT,
// Ring and the order of Responders follow arrival order.
type Snapshot struct {
	TTL int

	// Responders is the ordered set of distinct addresses seen at this TTL,
	// in first-seen order.
	Responders []addr.Address

	Sent        int
	Lost        int
	LossPercent float64

	// LastRTT, BestRTT, WorstRTT and MeanRTT are computed over outcomes
	// with Kind.HasRTT(); zero when none exist.
	LastRTT  time.Duration
	BestRTT  time.Duration
	WorstRTT time.Duration
	MeanRTT  time.Duration

	// Ring is a copy of the outcomes currently held, oldest first.
	Ring []probe.Outcome
}

// HopStats is the single-writer, multi-reader record for one (target, ttl)
// pair. The owning session is the sole writer; Snapshot may be called
// concurrently by readers at any time.
type HopStats struct {
	mu sync.Mutex

	ttl      int
	ringSize int
	ring     []probe.Outcome
	next     int
	filled   int

	sent int
	lost int

	lastRTT  time.Duration
	bestRTT  time.Duration
	worstRTT time.Duration
	rttCount int
	rttSum   time.Duration
	meanRTT  time.Duration

	responders   []addr.Address
	responderSet map[addr.Address]struct{}
}

// New creates a HopStats for ttl with the given ring capacity. A ringSize of
// zero uses DefaultRingSize.
func New(ttl int, ringSize int) *HopStats {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &HopStats{
		ttl:          ttl,
		ringSize:     ringSize,
		ring:         make([]probe.Outcome, ringSize),
		responderSet: make(map[addr.Address]struct{}),
	}
}

// Record appends outcome to the ring, evicting the oldest entry when full,
// and updates every running counter. The counters, best/worst RTT and the
// RTT sum behind the mean are commutative over the outcome multiset, so
// reordering arrivals does not change them; only LastRTT, the ring and the
// responder order follow arrival order.
func (h *HopStats) Record(outcome probe.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = outcome
	h.next = (h.next + 1) % h.ringSize
	if h.filled < h.ringSize {
		h.filled++
	}

	h.sent++
	if outcome.IsLoss() {
		h.lost++
	}

	if !outcome.Responder.IsZero() {
		if _, ok := h.responderSet[outcome.Responder]; !ok {
			h.responderSet[outcome.Responder] = struct{}{}
			h.responders = append(h.responders, outcome.Responder)
		}
	}

	if outcome.Kind.HasRTT() {
		h.lastRTT = outcome.RTT
		if h.rttCount == 0 || outcome.RTT < h.bestRTT {
			h.bestRTT = outcome.RTT
		}
		if h.rttCount == 0 || outcome.RTT > h.worstRTT {
			h.worstRTT = outcome.RTT
		}
		h.rttCount++
		h.rttSum += outcome.RTT
		h.meanRTT = h.rttSum / time.Duration(h.rttCount)
	}
}

// Snapshot returns an immutable summary of the current state.
func (h *HopStats) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{
		TTL:      h.ttl,
		Sent:     h.sent,
		Lost:     h.lost,
		LastRTT:  h.lastRTT,
		BestRTT:  h.bestRTT,
		WorstRTT: h.worstRTT,
		MeanRTT:  h.meanRTT,
	}
	if h.sent > 0 {
		s.LossPercent = 100 * float64(h.lost) / float64(h.sent)
	}
	if len(h.responders) > 0 {
		s.Responders = append([]addr.Address(nil), h.responders...)
	}
	s.Ring = h.orderedRing()
	return s
}

// orderedRing returns a copy of the filled ring entries, oldest first. Must
// be called with h.mu held.
func (h *HopStats) orderedRing() []probe.Outcome {
	if h.filled == 0 {
		return nil
	}
	out := make([]probe.Outcome, 0, h.filled)
	if h.filled < h.ringSize {
		out = append(out, h.ring[:h.filled]...)
		return out
	}
	out = append(out, h.ring[h.next:]...)
	out = append(out, h.ring[:h.next]...)
	return out
}

// TTL returns the immutable TTL this HopStats was created for.
func (h *HopStats) TTL() int {
	return h.ttl
}
