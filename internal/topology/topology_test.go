package topology

import (
	"net"
	"testing"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/hopstats"
	"github.com/mtrtopo/pathwatch/internal/lookup"
	"github.com/mtrtopo/pathwatch/internal/probe"
	"github.com/mtrtopo/pathwatch/internal/session"
)

func ip(s string) addr.Address {
	return addr.FromIP(net.ParseIP(s))
}

// buildSession fakes a completed session with the given per-TTL responders,
// each recorded with one successful echo_reply outcome.
func buildSession(target addr.Address, endedAt time.Time, hops map[int]addr.Address) *session.Session {
	s := &session.Session{
		Target: target,
		Hops:   make(map[int]*hopstats.HopStats),
		Status: session.Completed,
		EndedAt: endedAt,
	}
	for ttl, responder := range hops {
		hs := hopstats.New(ttl, 10)
		hs.Record(probe.Outcome{Kind: probe.EchoReply, Responder: responder, RTT: 10 * time.Millisecond})
		s.Hops[ttl] = hs
	}
	return s
}

func TestPathSignatureDeterministic(t *testing.T) {
	target := ip("198.51.100.5")
	h1, h2 := ip("10.0.0.1"), ip("10.0.0.2")
	s := buildSession(target, time.Now(), map[int]addr.Address{1: h1, 2: h2, 3: target})

	sig := PathSignature(s)
	want := h1.String() + "|" + h2.String() + "|" + target.String()
	if sig != want {
		t.Errorf("PathSignature = %q, want %q", sig, want)
	}
}

func TestPathSignatureUnknownHopToken(t *testing.T) {
	target := ip("198.51.100.5")
	h1 := ip("10.0.0.1")
	s := buildSession(target, time.Now(), map[int]addr.Address{1: h1, 3: target})

	sig := PathSignature(s)
	want := h1.String() + "|" + UnknownHopToken + "|" + target.String()
	if sig != want {
		t.Errorf("PathSignature = %q, want %q", sig, want)
	}
}

func TestIngestFirstSignatureEmitsNoEvent(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	target := ip("198.51.100.5")
	s := buildSession(target, time.Now(), map[int]addr.Address{1: ip("10.0.0.1"), 2: target})

	if ev := a.Ingest(s); ev != nil {
		t.Errorf("first signature emitted an event: %+v", ev)
	}
	if diff := len(a.PathChanges(time.Time{})); diff != 0 {
		t.Errorf("PathChanges = %d, want 0", diff)
	}
}

func TestIngestSameSignatureEmitsNoEvent(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	target := ip("198.51.100.5")
	hops := map[int]addr.Address{1: ip("10.0.0.1"), 2: target}

	start := time.Now()
	a.Ingest(buildSession(target, start, hops))
	ev := a.Ingest(buildSession(target, start.Add(time.Minute), hops))
	if ev != nil {
		t.Errorf("same signature emitted an event: %+v", ev)
	}
}

func TestIngestChangedSignatureEmitsEvent(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	target := ip("198.51.100.5")
	start := time.Now()

	a.Ingest(buildSession(target, start, map[int]addr.Address{1: ip("10.0.0.1"), 2: target}))
	ev := a.Ingest(buildSession(target, start.Add(time.Minute), map[int]addr.Address{1: ip("10.0.0.9"), 2: target}))

	if ev == nil {
		t.Fatal("expected a PathChangeEvent")
	}
	if ev.NewSignature == ev.OldSignature {
		t.Error("OldSignature and NewSignature must differ")
	}
	if ev.PreviousDuration != time.Minute {
		t.Errorf("PreviousDuration = %v, want 1m", ev.PreviousDuration)
	}
}

func TestIngestOutOfOrderArrivalIgnoredForSignature(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	target := ip("198.51.100.5")
	start := time.Now()

	// Newer session arrives first (e.g. faster worker), with a changed path.
	a.Ingest(buildSession(target, start.Add(time.Minute), map[int]addr.Address{1: ip("10.0.0.9"), 2: target}))
	// Older session arrives second; must not overwrite the newer signature
	// or emit a spurious event.
	ev := a.Ingest(buildSession(target, start, map[int]addr.Address{1: ip("10.0.0.1"), 2: target}))
	if ev != nil {
		t.Errorf("stale out-of-order session emitted an event: %+v", ev)
	}
	if got := a.CurrentPath(target); len(got) == 0 || !got[0].Equal(ip("10.0.0.9")) {
		t.Errorf("CurrentPath = %v, want path starting with 10.0.0.9 (the newer arrival)", got)
	}
}

func TestUpsertLinkRunningMean(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	target := ip("198.51.100.5")
	h1 := ip("10.0.0.1")

	s1 := buildSession(target, time.Now(), map[int]addr.Address{1: h1, 2: target})
	a.Ingest(s1)

	_, links := a.Topology(time.Time{}, nil)
	var found *Link
	for k, l := range links {
		if k.To.Address.Equal(h1) {
			l := l
			found = &l
		}
	}
	if found == nil {
		t.Fatal("expected a link into the first hop")
	}
	if found.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", found.SampleCount)
	}
	if found.MeanRTT != 10*time.Millisecond {
		t.Errorf("MeanRTT = %v, want 10ms", found.MeanRTT)
	}
}

func TestTopologyFilter(t *testing.T) {
	a := New(ip("192.0.2.1"), nil)
	t1, t2 := ip("198.51.100.5"), ip("198.51.100.6")
	a.Ingest(buildSession(t1, time.Now(), map[int]addr.Address{1: ip("10.0.0.1"), 2: t1}))
	a.Ingest(buildSession(t2, time.Now(), map[int]addr.Address{1: ip("10.0.0.2"), 2: t2}))

	_, links := a.Topology(time.Time{}, func(a addr.Address) bool { return a.Equal(t1) })
	for _, l := range links {
		if _, ok := l.Targets[t2]; ok {
			t.Errorf("filtered topology included target t2's link")
		}
	}
	if len(links) == 0 {
		t.Error("expected at least one link for t1")
	}
}

func TestLabelPathNumericMode(t *testing.T) {
	lookup.NumericMode = true
	defer func() { lookup.NumericMode = false }()

	path := []addr.Address{ip("10.0.0.1"), ip("10.0.0.2")}
	labels := LabelPath(path)
	if len(labels) != 2 || labels[0] != "10.0.0.1" || labels[1] != "10.0.0.2" {
		t.Errorf("LabelPath() = %v, want numeric labels", labels)
	}
}
