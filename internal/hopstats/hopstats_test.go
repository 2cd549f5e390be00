package hopstats

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/probe"
)

func mustParseIP(s string) net.IP {
	return net.ParseIP(s)
}

func outcome(kind probe.Kind, responder addr.Address, rtt time.Duration) probe.Outcome {
	return probe.Outcome{Kind: kind, Responder: responder, RTT: rtt}
}

func TestRecordBasicCounters(t *testing.T) {
	h := New(3, 10)
	router := addr.FromIP(mustParseIP("10.0.0.1"))

	h.Record(outcome(probe.EchoReply, router, 10*time.Millisecond))
	h.Record(outcome(probe.EchoReply, router, 20*time.Millisecond))
	h.Record(outcome(probe.Timeout, addr.Zero, 0))

	snap := h.Snapshot()
	if snap.Sent != 3 {
		t.Errorf("Sent = %d, want 3", snap.Sent)
	}
	if snap.Lost != 1 {
		t.Errorf("Lost = %d, want 1", snap.Lost)
	}
	wantLoss := 100.0 / 3.0
	if diff := cmp.Diff(wantLoss, snap.LossPercent, cmpopts.EquateApprox(0, 0.01)); diff != "" {
		t.Errorf("LossPercent mismatch (-want +got):\n%s", diff)
	}
	if snap.LastRTT != 20*time.Millisecond {
		t.Errorf("LastRTT = %v, want 20ms", snap.LastRTT)
	}
	if snap.BestRTT != 10*time.Millisecond {
		t.Errorf("BestRTT = %v, want 10ms", snap.BestRTT)
	}
	if snap.WorstRTT != 20*time.Millisecond {
		t.Errorf("WorstRTT = %v, want 20ms", snap.WorstRTT)
	}
	if snap.MeanRTT != 15*time.Millisecond {
		t.Errorf("MeanRTT = %v, want 15ms", snap.MeanRTT)
	}
}

func TestRecordUnreachableAndOtherICMPAreNotLosses(t *testing.T) {
	h := New(1, 10)
	router := addr.FromIP(mustParseIP("10.0.0.1"))

	h.Record(outcome(probe.Unreachable, router, 0))
	h.Record(outcome(probe.OtherICMP, router, 0))

	snap := h.Snapshot()
	if snap.Lost != 0 {
		t.Errorf("Lost = %d, want 0 (unreachable/other_icmp are not losses)", snap.Lost)
	}
	if snap.Sent != 2 {
		t.Errorf("Sent = %d, want 2", snap.Sent)
	}
}

func TestRecordMeanRTTOverRepliesOnly(t *testing.T) {
	h := New(2, 10)
	router := addr.FromIP(mustParseIP("10.0.0.2"))

	h.Record(outcome(probe.EchoReply, router, 30*time.Millisecond))
	h.Record(outcome(probe.Unreachable, router, 0))

	snap := h.Snapshot()
	if snap.MeanRTT != 30*time.Millisecond {
		t.Errorf("MeanRTT = %v, want 30ms (unreachable has no rtt)", snap.MeanRTT)
	}
}

func TestResponderOrderFirstSeen(t *testing.T) {
	h := New(1, 10)
	a := addr.FromIP(mustParseIP("192.0.2.1"))
	b := addr.FromIP(mustParseIP("192.0.2.2"))

	h.Record(outcome(probe.EchoReply, a, time.Millisecond))
	h.Record(outcome(probe.EchoReply, b, time.Millisecond))
	h.Record(outcome(probe.EchoReply, a, time.Millisecond))

	snap := h.Snapshot()
	want := []addr.Address{a, b}
	if diff := cmp.Diff(want, snap.Responders); diff != "" {
		t.Errorf("Responders mismatch (-want +got):\n%s", diff)
	}
}

func TestRingEviction(t *testing.T) {
	h := New(1, 2)
	a := addr.FromIP(mustParseIP("192.0.2.1"))

	h.Record(outcome(probe.EchoReply, a, 1*time.Millisecond))
	h.Record(outcome(probe.EchoReply, a, 2*time.Millisecond))
	h.Record(outcome(probe.EchoReply, a, 3*time.Millisecond))

	snap := h.Snapshot()
	if len(snap.Ring) != 2 {
		t.Fatalf("len(Ring) = %d, want 2", len(snap.Ring))
	}
	if snap.Ring[0].RTT != 2*time.Millisecond || snap.Ring[1].RTT != 3*time.Millisecond {
		t.Errorf("Ring = %+v, want [2ms, 3ms] oldest-first", snap.Ring)
	}
	// Counters are cumulative, independent of ring eviction.
	if snap.Sent != 3 {
		t.Errorf("Sent = %d, want 3", snap.Sent)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	h := New(5, 10)
	snap := h.Snapshot()
	if snap.Sent != 0 || snap.Lost != 0 || snap.LossPercent != 0 {
		t.Errorf("expected zero-value stats for empty HopStats, got %+v", snap)
	}
	if snap.Ring != nil {
		t.Errorf("expected nil Ring for empty HopStats, got %v", snap.Ring)
	}
}

func TestReorderingDoesNotAffectMetrics(t *testing.T) {
	a := addr.FromIP(mustParseIP("198.51.100.1"))
	outcomes := []probe.Outcome{
		outcome(probe.EchoReply, a, 10*time.Millisecond),
		outcome(probe.Timeout, addr.Zero, 0),
		outcome(probe.EchoReply, a, 30*time.Millisecond),
	}

	h1 := New(1, 10)
	for _, o := range outcomes {
		h1.Record(o)
	}
	h2 := New(1, 10)
	h2.Record(outcomes[2])
	h2.Record(outcomes[0])
	h2.Record(outcomes[1])

	s1, s2 := h1.Snapshot(), h2.Snapshot()
	if s1.Sent != s2.Sent || s1.Lost != s2.Lost || s1.MeanRTT != s2.MeanRTT {
		t.Errorf("metrics differ by arrival order: %+v vs %+v", s1, s2)
	}
}
