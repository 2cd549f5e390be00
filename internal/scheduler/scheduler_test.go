package scheduler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/probe"
	"github.com/mtrtopo/pathwatch/internal/session"
)

// instantProber replies immediately so Sessions terminate fast in tests.
type instantProber struct{}

func (instantProber) Probe(ctx context.Context, target net.Addr, ttl int, timeout time.Duration, seqHint *uint16) probe.Outcome {
	return probe.Outcome{Kind: probe.Timeout}
}

func TestStartScheduleStop(t *testing.T) {
	s := New(instantProber{}, nil, nil)
	if err := s.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(true)

	var mu sync.Mutex
	completed := make(map[string]bool)
	var wg sync.WaitGroup

	targets := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, tg := range targets {
		wg.Add(1)
		id := tg
		err := s.Schedule(Job{
			ID:     id,
			Target: addr.FromIP(net.ParseIP(tg)),
			Callback: func(sess *session.Session) {
				defer wg.Done()
				mu.Lock()
				completed[id] = true
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("Schedule(%s): %v", tg, err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, tg := range targets {
		if !completed[tg] {
			t.Errorf("target %s never completed", tg)
		}
	}
}

func TestScheduleNotRunning(t *testing.T) {
	s := New(instantProber{}, nil, nil)
	err := s.Schedule(Job{Target: addr.FromIP(net.ParseIP("10.0.0.1"))})
	if err != ErrNotRunning {
		t.Fatalf("Schedule before Start: err = %v, want ErrNotRunning", err)
	}
}

func TestQueueFullNonBlocking(t *testing.T) {
	s := New(instantProber{}, &Options{QueueCapacity: 1}, nil)
	// Start with zero workers effectively impossible (Start floors at 1); instead
	// fill the queue faster than the single worker can drain by scheduling
	// many jobs back to back and tolerating ErrQueueFull on at least one.
	if err := s.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(false)

	var sawFull bool
	for i := 0; i < 50; i++ {
		err := s.Schedule(Job{Target: addr.FromIP(net.ParseIP("10.0.0.1"))})
		if err == ErrQueueFull {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Skip("worker drained faster than the test could fill the queue; not a failure of the scheduler")
	}
}

func TestStateTransitions(t *testing.T) {
	s := New(instantProber{}, nil, nil)
	if got := s.State(); got != Stopped {
		t.Fatalf("initial State = %v, want Stopped", got)
	}
	if err := s.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != Running {
		t.Fatalf("State after Start = %v, want Running", got)
	}
	s.Stop(true)
	if got := s.State(); got != Stopped {
		t.Fatalf("State after Stop = %v, want Stopped", got)
	}
}

// TestScheduleBatchJitter drives the jitter wait between ScheduleBatch's
// Schedule calls off a fakeclock.Clock instead of the wall clock: a real
// sleep would make the test's pass/fail hinge on scheduling luck rather
// than on ScheduleBatch's actual behavior.
func TestScheduleBatchJitter(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	s := NewWithClock(instantProber{}, &Options{BatchJitterMax: 2 * time.Millisecond}, nil, clk)
	if err := s.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(true)

	jobs := []Job{
		{Target: addr.FromIP(net.ParseIP("10.0.0.1"))},
		{Target: addr.FromIP(net.ParseIP("10.0.0.2"))},
		{Target: addr.FromIP(net.ParseIP("10.0.0.3"))},
	}

	done := make(chan error, 1)
	go func() { done <- s.ScheduleBatch(jobs) }()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("ScheduleBatch: %v", err)
			}
			return
		case <-ticker.C:
			clk.WaitForWatcherAndIncrement(time.Millisecond)
		case <-deadline:
			t.Fatal("ScheduleBatch did not complete in time")
			return
		}
	}
}

func TestCallbackInvokedExactlyOnce(t *testing.T) {
	s := New(instantProber{}, nil, nil)
	if err := s.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	err := s.Schedule(Job{
		Target: addr.FromIP(net.ParseIP("10.0.0.1")),
		Callback: func(sess *session.Session) {
			mu.Lock()
			calls++
			mu.Unlock()
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never invoked")
	}
	s.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}
