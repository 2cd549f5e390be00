// Package session implements the MTR Session state machine: the
// per-target traceroute-plus-statistics procedure that drives TTL-increasing
// probes through a [transport.Transport], records outcomes into
// [hopstats.HopStats], and decides when a trace is complete or aborted.
package session

import (
	"context"
	"net"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/hopstats"
	"github.com/mtrtopo/pathwatch/internal/probe"
)

// Status is the terminal or in-progress state of a Session.
type Status int

// Values for Status.
const (
	Pending Status = iota
	Running
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Reason qualifies a Session's termination. Aborted Sessions carry
// cancelled or transport_fatal; Completed Sessions carry ReasonNone,
// too_many_unknown_hops, invalid_target or max_hops_reached.
type Reason int

// Values for Reason.
const (
	// ReasonNone applies to a Completed session that reached its target.
	ReasonNone Reason = iota
	ReasonTooManyUnknownHops
	ReasonTransportFatal
	ReasonCancelled
	ReasonInvalidTarget
	// ReasonMaxHopsReached applies when max_hops is exhausted without
	// reaching the target or tripping the unknown-hop heuristic: the
	// fall-through case a session can still land in (e.g. a genuinely
	// >max_hops path with every hop replying from intermediate routers).
	ReasonMaxHopsReached
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonTooManyUnknownHops:
		return "too_many_unknown_hops"
	case ReasonTransportFatal:
		return "transport_fatal"
	case ReasonCancelled:
		return "cancelled"
	case ReasonInvalidTarget:
		return "invalid_target"
	case ReasonMaxHopsReached:
		return "max_hops_reached"
	default:
		return "unknown"
	}
}

// Prober is what a Session needs from the transport layer: one correlated
// probe call. [*transport.Transport] satisfies this.
type Prober interface {
	Probe(ctx context.Context, target net.Addr, ttl int, timeout time.Duration, seqHint *uint16) probe.Outcome
}

// Options configures a Session, following this tree's usual per-component
// *Options-with-unexported-defaults shape.
type Options struct {
	ProbesPerHop             int
	ProbeTimeout             time.Duration
	InterProbeDelay          time.Duration
	InterHopDelay            time.Duration
	MaxHops                  int
	MaxConsecutiveUnknownHops int
	RingSize                 int
}

const (
	defaultProbesPerHop             = 3
	defaultProbeTimeout              = time.Second
	defaultInterProbeDelay           = 100 * time.Millisecond
	defaultInterHopDelay             = 50 * time.Millisecond
	defaultMaxHops                   = 30
	defaultMaxConsecutiveUnknownHops = 3
)

func (o *Options) probesPerHop() int {
	if o == nil || o.ProbesPerHop == 0 {
		return defaultProbesPerHop
	}
	return o.ProbesPerHop
}

func (o *Options) probeTimeout() time.Duration {
	if o == nil || o.ProbeTimeout == 0 {
		return defaultProbeTimeout
	}
	return o.ProbeTimeout
}

func (o *Options) interProbeDelay() time.Duration {
	if o == nil || o.InterProbeDelay == 0 {
		return defaultInterProbeDelay
	}
	return o.InterProbeDelay
}

func (o *Options) interHopDelay() time.Duration {
	if o == nil || o.InterHopDelay == 0 {
		return defaultInterHopDelay
	}
	return o.InterHopDelay
}

func (o *Options) maxHops() int {
	if o == nil || o.MaxHops == 0 {
		return defaultMaxHops
	}
	return o.MaxHops
}

func (o *Options) maxConsecutiveUnknownHops() int {
	if o == nil || o.MaxConsecutiveUnknownHops == 0 {
		return defaultMaxConsecutiveUnknownHops
	}
	return o.MaxConsecutiveUnknownHops
}

func (o *Options) ringSize() int {
	if o == nil || o.RingSize == 0 {
		return hopstats.DefaultRingSize
	}
	return o.RingSize
}

// Session is the frozen-after-completion record of one trace. Once Status
// leaves Running, Hops must not be mutated; readers may access it freely.
type Session struct {
	Target    addr.Address
	Hops      map[int]*hopstats.HopStats
	Status    Status
	Reason    Reason
	StartedAt time.Time
	EndedAt   time.Time

	// MaxTTLReached is the TTL the Session was at when it terminated
	// (max_hops when it ran out of TTLs). The path signature is not stored
	// here; internal/topology computes it from Hops.
	MaxTTLReached int
}

// Run executes the full traceroute-plus-statistics procedure for target,
// blocking until the Session reaches a terminal state. It returns the
// completed Session; the same value is also mutated in place, under a
// single-producer lifecycle (the Session is not safe to read concurrently
// with Run, only after it returns).
func Run(ctx context.Context, target addr.Address, prober Prober, opts *Options, clk clock.Clock, log *zap.SugaredLogger) *Session {
	if clk == nil {
		clk = clock.NewClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Session{
		Target: target,
		Hops:   make(map[int]*hopstats.HopStats),
		Status: Pending,
	}

	if target.Family() == addr.Unknown {
		s.Status = Completed
		s.Reason = ReasonInvalidTarget
		return s
	}

	s.Status = Running
	s.StartedAt = clk.Now()

	consecutiveUnknown := 0
	var seq uint16
	targetAddr := target.UDPAddr()

	for ttl := 1; ttl <= opts.maxHops(); ttl++ {
		select {
		case <-ctx.Done():
			s.finish(Aborted, ReasonCancelled, ttl, clk)
			return s
		default:
		}

		hs := hopstats.New(ttl, opts.ringSize())
		s.Hops[ttl] = hs

		reachedTarget := false
		allLoss := true
		fatal := false

		for i := 0; i < opts.probesPerHop(); i++ {
			select {
			case <-ctx.Done():
				s.finish(Aborted, ReasonCancelled, ttl, clk)
				return s
			default:
			}

			seq++
			thisSeq := seq
			outcome := prober.Probe(ctx, targetAddr, ttl, opts.probeTimeout(), &thisSeq)
			hs.Record(outcome)

			if outcome.Kind == probe.EchoReply && outcome.Responder.Equal(target) {
				reachedTarget = true
			}
			if !outcome.IsLoss() {
				allLoss = false
			}
			if outcome.Kind == probe.SendError && outcome.Permanent {
				fatal = true
			}

			if i < opts.probesPerHop()-1 {
				if !sleepOrDone(ctx, clk, opts.interProbeDelay()) {
					s.finish(Aborted, ReasonCancelled, ttl, clk)
					return s
				}
			}
		}

		if !sleepOrDone(ctx, clk, opts.interHopDelay()) {
			s.finish(Aborted, ReasonCancelled, ttl, clk)
			return s
		}

		if reachedTarget {
			s.finish(Completed, ReasonNone, ttl, clk)
			return s
		}
		if allLoss {
			consecutiveUnknown++
		} else {
			consecutiveUnknown = 0
		}
		if consecutiveUnknown >= opts.maxConsecutiveUnknownHops() {
			s.finish(Completed, ReasonTooManyUnknownHops, ttl, clk)
			return s
		}
		if fatal {
			s.finish(Aborted, ReasonTransportFatal, ttl, clk)
			return s
		}
	}

	log.Debugw("session reached max hops without completing", "target", target.String(), "max_hops", opts.maxHops())
	s.finish(Completed, ReasonMaxHopsReached, opts.maxHops(), clk)
	return s
}

func (s *Session) finish(status Status, reason Reason, maxTTL int, clk clock.Clock) {
	s.Status = status
	s.Reason = reason
	s.MaxTTLReached = maxTTL
	s.EndedAt = clk.Now()
}

// sleepOrDone waits for d, or returns false early if ctx is cancelled first.
func sleepOrDone(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}
