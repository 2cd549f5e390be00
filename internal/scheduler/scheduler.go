// Package scheduler implements the Scan Scheduler: a bounded worker pool
// draining a single FIFO job queue, with an explicit
// stopped/starting/running/stopping state machine and batch-jitter support
// for spreading out periodic scans.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/session"
)

// ErrNotRunning is returned by Schedule when the Scheduler isn't in the
// running state.
var ErrNotRunning = errors.New("scheduler: not running")

// ErrQueueFull is returned by Schedule when the queue is at capacity and
// the Scheduler is configured to fail fast rather than block.
var ErrQueueFull = errors.New("scheduler: queue full")

// State is one of the Scheduler's lifecycle states.
type State int

// Values for State.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Job is one enqueued trace request.
type Job struct {
	// ID correlates this job with its eventual result in log lines.
	ID string

	Target  addr.Address
	Options *session.Options

	// Callback is invoked exactly once, on a worker goroutine, after the
	// Session terminates. It must be non-blocking; the Scheduler does not
	// run callbacks in a separate pool.
	Callback func(*session.Session)
}

// Prober is what the Scheduler needs to run a Session for a job.
type Prober = session.Prober

// Options configures a Scheduler.
type Options struct {
	// QueueCapacity bounds the FIFO job queue. Zero uses DefaultQueueCapacity.
	QueueCapacity int

	// BlockOnFull, if true, makes Schedule block until the queue has room
	// instead of returning ErrQueueFull.
	BlockOnFull bool

	// BatchJitterMax bounds the uniform random delay introduced between
	// successive Schedule calls within one ScheduleBatch.
	BatchJitterMax time.Duration
}

// DefaultQueueCapacity is used when Options.QueueCapacity is zero.
const DefaultQueueCapacity = 256

func (o *Options) queueCapacity() int {
	if o == nil || o.QueueCapacity <= 0 {
		return DefaultQueueCapacity
	}
	return o.QueueCapacity
}

func (o *Options) batchJitterMax() time.Duration {
	if o == nil {
		return 0
	}
	return o.BatchJitterMax
}

func (o *Options) blockOnFull() bool {
	return o != nil && o.BlockOnFull
}

// Scheduler runs Sessions in parallel with bounded concurrency. The zero
// value is not usable; construct with New.
type Scheduler struct {
	prober Prober
	opts   *Options
	log    *zap.SugaredLogger
	clock  clock.Clock

	mu    sync.Mutex
	state State
	queue chan Job

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Scheduler bound to prober. Call Start to begin accepting
// jobs.
func New(prober Prober, opts *Options, log *zap.SugaredLogger) *Scheduler {
	return NewWithClock(prober, opts, log, nil)
}

// NewWithClock creates a Scheduler the same way New does, but with an
// explicit clock.Clock for batch-jitter waits and the Sessions it runs —
// a nil clk uses clock.NewClock(), the same default session.Run applies.
// Tests use this to drive ScheduleBatch's jitter with a fakeclock.Clock
// instead of waiting on the wall clock.
func NewWithClock(prober Prober, opts *Options, log *zap.SugaredLogger, clk clock.Clock) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Scheduler{
		prober: prober,
		opts:   opts,
		log:    log,
		clock:  clk,
	}
}

// Start transitions Stopped → Starting → Running, spawning workerCount
// workers. Calling Start on an already-running Scheduler is a no-op.
func (s *Scheduler) Start(workerCount int) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = Starting
	s.queue = make(chan Job, s.opts.queueCapacity())
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	s.state = Running
	s.mu.Unlock()

	if workerCount <= 0 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		eg.Go(func() error {
			s.worker(egCtx)
			return nil
		})
	}
	return nil
}

// Stop transitions Running → Stopping → Stopped. If wait is true, in-flight
// jobs are allowed to finish; the queue is always closed so workers drain
// it and exit.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	close(s.queue)
	cancel := s.cancel
	eg := s.eg
	s.mu.Unlock()

	if !wait {
		cancel()
	}
	if eg != nil {
		_ = eg.Wait()
	}
	if wait {
		cancel()
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
}

// State returns the Scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLen returns the number of jobs currently queued, for health
// reporting. Zero when not running.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

// Schedule enqueues job. Returns ErrNotRunning if the Scheduler is not
// Running, or ErrQueueFull if the queue is at capacity and
// Options.BlockOnFull is false.
func (s *Scheduler) Schedule(job Job) error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	q := s.queue
	block := s.opts.blockOnFull()
	s.mu.Unlock()

	if block {
		q <- job
		return nil
	}
	select {
	case q <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// ScheduleBatch schedules every job in jobs, introducing a uniformly
// distributed delay in [0, jitter_max) between successive Schedule calls,
// to avoid lock-step probing of an entire target list.
func (s *Scheduler) ScheduleBatch(jobs []Job) error {
	jitterMax := s.opts.batchJitterMax()
	for i, job := range jobs {
		if i > 0 && jitterMax > 0 {
			timer := s.clock.NewTimer(time.Duration(rand.Int63n(int64(jitterMax))))
			<-timer.C()
		}
		if err := s.Schedule(job); err != nil {
			return fmt.Errorf("scheduling job %d of %d: %w", i+1, len(jobs), err)
		}
	}
	return nil
}

// worker drains the queue until it's closed or ctx is cancelled. A panic
// recovered from running one job is logged and does not terminate the
// worker.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.runJob(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("scheduler: job panicked", "job_id", job.ID, "panic", r)
		}
	}()

	sess := session.Run(ctx, job.Target, s.prober, job.Options, s.clock, s.log)

	if job.Callback == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorw("scheduler: job callback panicked", "job_id", job.ID, "panic", r)
			}
		}()
		job.Callback(sess)
	}()
}
