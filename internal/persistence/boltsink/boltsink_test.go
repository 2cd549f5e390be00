package boltsink

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/persistence"
)

func ip(s string) addr.Address {
	return addr.FromIP(net.ParseIP(s))
}

func openTestSink(t *testing.T) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pathwatch.db")
	s, err := Open(path, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(source, destination addr.Address, endedAt time.Time) persistence.Session {
	hop1 := ip("10.0.0.1")
	return persistence.Session{
		Source:        source,
		Destination:   destination,
		PathSignature: hop1.String() + "|" + destination.String(),
		Status:        "completed",
		Reason:        "",
		StartedAt:     endedAt.Add(-500 * time.Millisecond),
		EndedAt:       endedAt,
		Hops: []persistence.HopSample{
			{
				TTL:         1,
				Responder:   hop1,
				MeanRTT:     10 * time.Millisecond,
				BestRTT:     8 * time.Millisecond,
				WorstRTT:    12 * time.Millisecond,
				LossPercent: 0,
				Sent:        3,
				Received:    3,
				Kinds:       []string{"echo_reply"},
				Probes: []persistence.ProbeSample{
					{Sequence: 1, RTT: 8 * time.Millisecond, Kind: "echo_reply", Timestamp: endedAt.Add(-400 * time.Millisecond)},
					{Sequence: 2, RTT: 10 * time.Millisecond, Kind: "echo_reply", Timestamp: endedAt.Add(-300 * time.Millisecond)},
				},
			},
			{
				TTL:           2,
				Responder:     destination,
				IsDestination: true,
				MeanRTT:       20 * time.Millisecond,
				BestRTT:       18 * time.Millisecond,
				WorstRTT:      22 * time.Millisecond,
				LossPercent:   0,
				Sent:          3,
				Received:      3,
				Kinds:         []string{"echo_reply"},
				Probes: []persistence.ProbeSample{
					{Sequence: 1, RTT: 18 * time.Millisecond, Kind: "echo_reply", Timestamp: endedAt.Add(-200 * time.Millisecond)},
				},
			},
		},
	}
}

func TestSubmitAndQueryScans(t *testing.T) {
	s := openTestSink(t)
	source := ip("192.0.2.1")
	destination := ip("198.51.100.5")
	ended := time.Now()

	s.Submit(sampleSession(source, destination, ended))
	// writeWithRetry runs on the background goroutine; wait for the write
	// to land before querying.
	waitForScans(t, s, source, destination, ended.Add(-time.Minute))

	scans, err := s.Scans(context.Background(), source, destination, ended.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Scans: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("got %d scan points, want 1", len(scans))
	}
	if scans[0].PathSignature == "" {
		t.Error("PathSignature empty")
	}
	if scans[0].HopCount != 2 {
		t.Errorf("HopCount = %d, want 2", scans[0].HopCount)
	}
}

func TestQueryHopStatsFilteredByAddress(t *testing.T) {
	s := openTestSink(t)
	source := ip("192.0.2.1")
	destination := ip("198.51.100.5")
	ended := time.Now()
	s.Submit(sampleSession(source, destination, ended))
	waitForScans(t, s, source, destination, ended.Add(-time.Minute))

	hop1 := ip("10.0.0.1")
	hops, err := s.HopStats(context.Background(), source, destination, hop1, ended.Add(-time.Minute))
	if err != nil {
		t.Fatalf("HopStats: %v", err)
	}
	if len(hops) != 1 {
		t.Fatalf("got %d hop points, want 1", len(hops))
	}
	if !hops[0].HopIP.Equal(hop1) {
		t.Errorf("HopIP = %v, want %v", hops[0].HopIP, hop1)
	}
}

func TestQueryLatenciesOrderedOldestFirst(t *testing.T) {
	s := openTestSink(t)
	source := ip("192.0.2.1")
	destination := ip("198.51.100.5")
	ended := time.Now()
	s.Submit(sampleSession(source, destination, ended))
	waitForScans(t, s, source, destination, ended.Add(-time.Minute))

	hop1 := ip("10.0.0.1")
	lats, err := s.Latencies(context.Background(), source, destination, hop1, ended.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Latencies: %v", err)
	}
	if len(lats) != 2 {
		t.Fatalf("got %d latency points, want 2", len(lats))
	}
	if !lats[0].Timestamp.Before(lats[1].Timestamp) {
		t.Error("latency points not in ascending time order")
	}
}

func TestQuerySinceExcludesOlderPoints(t *testing.T) {
	s := openTestSink(t)
	source := ip("192.0.2.1")
	destination := ip("198.51.100.5")
	old := time.Now().Add(-time.Hour)
	s.Submit(sampleSession(source, destination, old))
	waitForScans(t, s, source, destination, old.Add(-time.Minute))

	scans, err := s.Scans(context.Background(), source, destination, time.Now())
	if err != nil {
		t.Fatalf("Scans: %v", err)
	}
	if len(scans) != 0 {
		t.Fatalf("got %d scan points newer than now, want 0", len(scans))
	}
}

func TestFailuresCountsDroppedSubmitsWhenQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathwatch.db")
	s, err := Open(path, &persistence.Options{QueueCapacity: 1}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	source := ip("192.0.2.1")
	destination := ip("198.51.100.5")
	for i := 0; i < 100; i++ {
		s.Submit(sampleSession(source, destination, time.Now()))
	}
	// At least one of these should have been dropped (or all landed if the
	// writer drained fast enough); either way Failures must never panic or
	// go negative.
	if s.Failures() < 0 {
		t.Error("Failures went negative")
	}
}

// waitForScans polls until the background writer has processed at least
// one session for (source, destination), or fails the test after a bound.
func waitForScans(t *testing.T, s *Sink, source, destination addr.Address, since time.Time) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		scans, err := s.Scans(context.Background(), source, destination, since)
		if err != nil {
			t.Fatalf("Scans: %v", err)
		}
		if len(scans) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("write never landed")
}
