// Package boltsink implements the persistence.Sink contract on top of
// go.etcd.io/bbolt: four top-level buckets (scan, path, hop, latency), each
// holding one nested bucket per (source, destination) pair so window
// queries are a cursor seek rather than a full scan. Follows bbolt's own
// documented bucket-per-namespace usage pattern (see DESIGN.md).
package boltsink

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/persistence"
)

var (
	bucketScan    = []byte("scan")
	bucketPath    = []byte("path")
	bucketHop     = []byte("hop")
	bucketLatency = []byte("latency")
)

// Sink is a bbolt-backed persistence.Sink. The zero value is not usable;
// construct with Open.
type Sink struct {
	db  *bbolt.DB
	log *zap.SugaredLogger

	retryBudget time.Duration
	queue       chan persistence.Session
	failures    int64

	wg     sync.WaitGroup
	closed chan struct{}
}

// Open creates or opens a bbolt database at path and starts the background
// writer goroutine.
func Open(path string, opts *persistence.Options, log *zap.SugaredLogger) (*Sink, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltsink: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketScan, bucketPath, bucketHop, bucketLatency} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltsink: creating buckets: %w", err)
	}

	s := &Sink{
		db:          db,
		log:         log,
		retryBudget: retryBudget(opts),
		queue:       make(chan persistence.Session, queueCapacity(opts)),
		closed:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func retryBudget(o *persistence.Options) time.Duration {
	if o == nil || o.RetryBudget <= 0 {
		return persistence.DefaultRetryBudget
	}
	return o.RetryBudget
}

func queueCapacity(o *persistence.Options) int {
	if o == nil || o.QueueCapacity <= 0 {
		return persistence.DefaultQueueCapacity
	}
	return o.QueueCapacity
}

// Submit enqueues s for asynchronous persistence. If the background writer
// is saturated, the write is dropped and counted as a failure rather than
// blocking the caller — the caller is expected to be a Scheduler worker's
// callback, which must not block.
func (s *Sink) Submit(sess persistence.Session) {
	select {
	case s.queue <- sess:
	default:
		atomic.AddInt64(&s.failures, 1)
		s.log.Warnw("boltsink: queue full, dropping session", "destination", sess.Destination.String())
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case sess, ok := <-s.queue:
			if !ok {
				return
			}
			s.writeWithRetry(sess)
		case <-s.closed:
			return
		}
	}
}

func (s *Sink) writeWithRetry(sess persistence.Session) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.retryBudget

	err := backoff.Retry(func() error {
		return s.write(sess)
	}, b)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		s.log.Errorw("boltsink: write permanently failed", "destination", sess.Destination.String(), "error", err)
	}
}

// write performs one bbolt transaction containing every point a completed
// Session produces, so a reader never observes a scan point without its
// matching path/hop points.
func (s *Sink) write(sess persistence.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pairKey := pairKey(sess.Source, sess.Destination)
		ts := sess.EndedAt
		if ts.IsZero() {
			ts = sess.StartedAt
		}

		scanBucket, err := nestedBucket(tx, bucketScan, pairKey)
		if err != nil {
			return err
		}
		scanPoint := persistence.ScanPoint{
			Source:        sess.Source,
			Destination:   sess.Destination,
			PathSignature: sess.PathSignature,
			Status:        sess.Status,
			DurationMS:    sess.EndedAt.Sub(sess.StartedAt).Milliseconds(),
			HopCount:      len(sess.Hops),
			Completed:     sess.Status == "completed",
			Error:         sess.Reason,
			Timestamp:     ts,
		}
		if err := putJSON(scanBucket, pointKey(ts), scanPoint); err != nil {
			return err
		}

		pathBucket, err := nestedBucket(tx, bucketPath, pairKey)
		if err != nil {
			return err
		}
		path := make([]addr.Address, 0, len(sess.Hops))
		for _, hop := range sess.Hops {
			path = append(path, hop.Responder)
		}
		pathJSON, err := json.Marshal(path)
		if err != nil {
			return err
		}
		pathPoint := persistence.PathPoint{
			Source:        sess.Source,
			Destination:   sess.Destination,
			PathSignature: sess.PathSignature,
			PathJSON:      string(pathJSON),
			KnownHopCount: len(path),
			Timestamp:     ts,
		}
		if err := putJSON(pathBucket, pointKey(ts), pathPoint); err != nil {
			return err
		}

		hopBucket, err := nestedBucket(tx, bucketHop, pairKey)
		if err != nil {
			return err
		}
		latencyBucket, err := nestedBucket(tx, bucketLatency, pairKey)
		if err != nil {
			return err
		}
		for _, hop := range sess.Hops {
			kindsJSON, err := json.Marshal(hop.Kinds)
			if err != nil {
				return err
			}
			hopPoint := persistence.HopPoint{
				Source:            sess.Source,
				Destination:       sess.Destination,
				PathSignature:     sess.PathSignature,
				HopNumber:         hop.TTL,
				HopIP:             hop.Responder,
				IsDestination:     hop.IsDestination,
				MeanRTT:           hop.MeanRTT,
				MinRTT:            hop.BestRTT,
				MaxRTT:            hop.WorstRTT,
				LossPercent:       hop.LossPercent,
				Sent:              hop.Sent,
				Received:          hop.Received,
				ResponseKindsJSON: string(kindsJSON),
				Timestamp:         ts,
			}
			// Hop points are keyed by hop address too, so HopStats queries
			// filtered to one responder don't need to deserialize every
			// hop of every session in the window.
			key := append(pointKey(ts), []byte(hop.Responder.String())...)
			if err := putJSON(hopBucket, key, hopPoint); err != nil {
				return err
			}

			for _, p := range hop.Probes {
				pts := p.Timestamp
				if pts.IsZero() {
					pts = ts
				}
				latencyPoint := persistence.LatencyPoint{
					Source:      sess.Source,
					Destination: sess.Destination,
					HopNumber:   hop.TTL,
					HopIP:       hop.Responder,
					Sequence:    p.Sequence,
					RTT:         p.RTT,
					Kind:        p.Kind,
					Timestamp:   pts,
				}
				lkey := append(pointKey(pts), []byte(fmt.Sprintf("%s:%05d", hop.Responder.String(), p.Sequence))...)
				if err := putJSON(latencyBucket, lkey, latencyPoint); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func pairKey(source, destination addr.Address) []byte {
	return []byte(source.String() + "|" + destination.String())
}

// pointKey is a byte-sortable key prefix: an 8-byte big-endian unix-nano
// timestamp followed by a uuid to disambiguate same-instant writes.
func pointKey(ts time.Time) []byte {
	key := make([]byte, 8, 24)
	binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	id := uuid.New()
	return append(key, id[:]...)
}

func nestedBucket(tx *bbolt.Tx, top, pair []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(top)
	if b == nil {
		return nil, fmt.Errorf("boltsink: missing top-level bucket %q", top)
	}
	return b.CreateBucketIfNotExists(pair)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Failures returns the number of writes that exhausted their retry budget
// (or were dropped because the queue was saturated).
func (s *Sink) Failures() int64 {
	return atomic.LoadInt64(&s.failures)
}

// Close stops the background writer and closes the underlying database.
func (s *Sink) Close() error {
	close(s.closed)
	s.wg.Wait()
	return s.db.Close()
}

// Scans returns scan points for (source, destination) at or after since,
// newest first.
func (s *Sink) Scans(ctx context.Context, source, destination addr.Address, since time.Time) ([]persistence.ScanPoint, error) {
	var out []persistence.ScanPoint
	err := s.view(ctx, bucketScan, source, destination, since, func(data []byte) error {
		var p persistence.ScanPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	reverse(out)
	return out, err
}

// Paths returns path points for (source, destination) at or after since,
// newest first.
func (s *Sink) Paths(ctx context.Context, source, destination addr.Address, since time.Time) ([]persistence.PathPoint, error) {
	var out []persistence.PathPoint
	err := s.view(ctx, bucketPath, source, destination, since, func(data []byte) error {
		var p persistence.PathPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	reversePaths(out)
	return out, err
}

// HopStats returns hop points for a specific responder at or after since,
// newest first.
func (s *Sink) HopStats(ctx context.Context, source, destination, hopAddress addr.Address, since time.Time) ([]persistence.HopPoint, error) {
	var out []persistence.HopPoint
	err := s.view(ctx, bucketHop, source, destination, since, func(data []byte) error {
		var p persistence.HopPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if !hopAddress.IsZero() && !p.HopIP.Equal(hopAddress) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	reverseHops(out)
	return out, err
}

// Latencies returns individual probe latency points for a specific
// responder at or after since, oldest first.
func (s *Sink) Latencies(ctx context.Context, source, destination, hopAddress addr.Address, since time.Time) ([]persistence.LatencyPoint, error) {
	var out []persistence.LatencyPoint
	err := s.view(ctx, bucketLatency, source, destination, since, func(data []byte) error {
		var p persistence.LatencyPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if !hopAddress.IsZero() && !p.HopIP.Equal(hopAddress) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// view walks the (source, destination) nested bucket of top from the first
// key at or after since to the end, invoking fn with each raw value. Bolt
// keys are time-prefixed so this is a single forward cursor scan, not a
// full-bucket scan.
func (s *Sink) view(ctx context.Context, top []byte, source, destination addr.Address, since time.Time, fn func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(top)
		if b == nil {
			return nil
		}
		nested := b.Bucket(pairKey(source, destination))
		if nested == nil {
			return nil
		}
		seek := make([]byte, 8)
		binary.BigEndian.PutUint64(seek, uint64(since.UnixNano()))

		c := nested.Cursor()
		for k, v := c.Seek(seek); k != nil; k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func reverse(s []persistence.ScanPoint) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reversePaths(s []persistence.PathPoint) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseHops(s []persistence.HopPoint) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
