// Package persistence defines the Persistence Sink contract: the four
// point types completed Sessions are written as, and the read queries
// that answer historical questions about them. Concrete storage lives in a
// subpackage (see boltsink); this package only fixes the contract so the
// Controller can depend on an interface rather than a storage engine.
package persistence

import (
	"context"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
)

// ScanPoint summarizes one completed Session.
type ScanPoint struct {
	Source        addr.Address
	Destination   addr.Address
	PathSignature string
	Status        string

	DurationMS int64
	HopCount   int
	Completed  bool
	Error      string

	Timestamp time.Time
}

// PathPoint records the path observed by one completed Session.
type PathPoint struct {
	Source        addr.Address
	Destination   addr.Address
	PathSignature string

	PathJSON      string
	KnownHopCount int

	Timestamp time.Time
}

// HopPoint summarizes one known-responder hop of a completed Session.
type HopPoint struct {
	Source        addr.Address
	Destination   addr.Address
	PathSignature string
	HopNumber     int
	HopIP         addr.Address
	IsDestination bool

	MeanRTT           time.Duration
	MinRTT            time.Duration
	MaxRTT            time.Duration
	LossPercent       float64
	Sent              int
	Received          int
	ResponseKindsJSON string

	Timestamp time.Time
}

// LatencyPoint records one individual successful probe, timestamped at the
// moment the probe completed so a window query recovers its temporal
// density rather than compressing everything to the Session's end time.
type LatencyPoint struct {
	Source      addr.Address
	Destination addr.Address
	HopNumber   int
	HopIP       addr.Address
	Sequence    uint16

	RTT  time.Duration
	Kind string

	Timestamp time.Time
}

// Options configures write-failure handling, shared by every Sink
// implementation.
type Options struct {
	// RetryBudget bounds the total wall-clock time a single write is
	// retried before being counted as a permanent failure. Zero uses
	// DefaultRetryBudget.
	RetryBudget time.Duration

	// QueueCapacity bounds the number of Sessions awaiting a background
	// write. Once full, Submit drops (and counts) the incoming write
	// rather than blocking the caller — see Sink.Submit.
	QueueCapacity int
}

// Defaults for Options.
const (
	DefaultRetryBudget   = 30 * time.Second
	DefaultQueueCapacity = 256
)

func (o *Options) retryBudget() time.Duration {
	if o == nil || o.RetryBudget <= 0 {
		return DefaultRetryBudget
	}
	return o.RetryBudget
}

func (o *Options) queueCapacity() int {
	if o == nil || o.QueueCapacity <= 0 {
		return DefaultQueueCapacity
	}
	return o.QueueCapacity
}

// Session is the minimal view of a completed session.Session that a Sink
// needs. Defined here (rather than importing internal/session directly)
// so persistence has no dependency on the session state machine's
// internals beyond the frozen, read-only fields it actually persists;
// callers build one from a *session.Session at the subscription boundary.
type Session struct {
	Source        addr.Address
	Destination   addr.Address
	PathSignature string
	Status        string
	Reason        string
	StartedAt     time.Time
	EndedAt       time.Time
	Hops          []HopSample
}

// HopSample is one known-responder TTL's worth of a Session's HopStats,
// already snapshotted — the shape Sink.Submit needs, independent of
// hopstats' own mutex-guarded internals.
type HopSample struct {
	TTL           int
	Responder     addr.Address
	IsDestination bool
	MeanRTT       time.Duration
	BestRTT       time.Duration
	WorstRTT      time.Duration
	LossPercent   float64
	Sent          int
	Received      int
	Kinds         []string

	// Probes is every individual successful probe recorded at this hop,
	// used to emit one LatencyPoint each.
	Probes []ProbeSample
}

// ProbeSample is one successful probe outcome, the unit LatencyPoint is
// built from.
type ProbeSample struct {
	Sequence  uint16
	RTT       time.Duration
	Kind      string
	Timestamp time.Time
}

// Sink is the Persistence Sink contract: asynchronous writes for completed
// sessions, and the four read queries mirroring the Aggregator's query
// surface. Submit must never block the caller on I/O — a Sink owns its own
// background writer and retry policy so a slow or failing store cannot
// stall a Scheduler worker.
type Sink interface {
	// Submit enqueues s for asynchronous persistence. Returns immediately;
	// writes (and their retries) happen on the Sink's own goroutines.
	Submit(s Session)

	// Scans returns scan points for (source, destination) with Timestamp
	// at or after since, newest first.
	Scans(ctx context.Context, source, destination addr.Address, since time.Time) ([]ScanPoint, error)

	// Paths returns path points for (source, destination) with Timestamp
	// at or after since, newest first.
	Paths(ctx context.Context, source, destination addr.Address, since time.Time) ([]PathPoint, error)

	// HopStats returns hop points for a specific responder address with
	// Timestamp at or after since, newest first.
	HopStats(ctx context.Context, source, destination, hopAddress addr.Address, since time.Time) ([]HopPoint, error)

	// Latencies returns individual probe latency points for a specific
	// responder address with Timestamp at or after since, oldest first
	// (preserving the order probes were sent in).
	Latencies(ctx context.Context, source, destination, hopAddress addr.Address, since time.Time) ([]LatencyPoint, error)

	// Failures returns the count of writes that exhausted their retry
	// budget and were permanently dropped — the health signal the
	// Controller surfaces through get_status.
	Failures() int64

	// Close stops the background writer, flushing any already-dequeued
	// write before returning.
	Close() error
}
