// Package controller implements the Service Controller: it wires
// Scheduler, Session, Aggregator and Persistence Sink together, owns the
// periodic scan loop, and answers the query surface.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/persistence"
	"github.com/mtrtopo/pathwatch/internal/scheduler"
	"github.com/mtrtopo/pathwatch/internal/session"
	"github.com/mtrtopo/pathwatch/internal/topology"
)

// DefaultDiscoveryBackoff is the fixed minimum (>=10s) between
// target-discovery retries after an error.
const DefaultDiscoveryBackoff = 10 * time.Second

// TargetSource refreshes the target list when the Controller's current set
// is empty, e.g. from the Sink's last-known agents or an external
// inventory.
type TargetSource interface {
	Targets(ctx context.Context) ([]addr.Address, error)
}

// Agent is one tracked target: its enable state and last scan outcome,
// answering list_agents().
type Agent struct {
	Address        addr.Address
	Enabled        bool
	LastSeen       time.Time
	LastDurationMS int64
}

// Config configures a Controller. Source identifies this vantage point for
// topology and persistence tagging.
type Config struct {
	Source  addr.Address
	Targets []addr.Address

	TargetSource     TargetSource
	DiscoveryBackoff time.Duration

	WorkerCount  int
	ScanInterval time.Duration // 0 disables the periodic scanner

	SessionOptions    *session.Options
	SchedulerOptions  *scheduler.Options
	AggregatorOptions *topology.AggregatorOptions
}

func (c Config) discoveryBackoff() time.Duration {
	if c.DiscoveryBackoff < DefaultDiscoveryBackoff {
		return DefaultDiscoveryBackoff
	}
	return c.DiscoveryBackoff
}

func (c Config) workerCount() int {
	if c.WorkerCount <= 0 {
		return 1
	}
	return c.WorkerCount
}

// Status answers get_status().
type Status struct {
	ScannerRunning     bool
	QueuedJobs         int
	WorkerCount        int
	PersistenceFailures int64
	ConfigSummary      string
}

// CurrentPath answers one row of get_current_paths().
type CurrentPath struct {
	Source      addr.Address
	Destination addr.Address
	ObservedAt  time.Time
	Path        []addr.Address
}

// Controller owns the Scheduler, Aggregator and Sink, and drives the
// periodic scan loop. The zero value is not usable; construct with New.
type Controller struct {
	cfg    Config
	prober session.Prober
	sched  *scheduler.Scheduler
	agg    *topology.Aggregator
	sink   persistence.Sink
	clk    clock.Clock
	log    *zap.SugaredLogger

	mu      sync.Mutex
	agents  map[addr.Address]*Agent
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	queueDepth  prometheus.Gauge
	workerCount prometheus.Gauge
	persistFail prometheus.Gauge
}

// New constructs a Controller. reg may be nil, in which case metrics are
// created but never registered anywhere (get_status still works; nothing
// is scraped).
func New(prober session.Prober, sink persistence.Sink, cfg Config, reg prometheus.Registerer, clk clock.Clock, log *zap.SugaredLogger) *Controller {
	if clk == nil {
		clk = clock.NewClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	c := &Controller{
		cfg:    cfg,
		prober: prober,
		sink:   sink,
		clk:    clk,
		log:    log,
		agents: make(map[addr.Address]*Agent),

		queueDepth:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "pathwatch_scheduler_queue_depth", Help: "Jobs currently queued for probing."}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{Name: "pathwatch_scheduler_worker_count", Help: "Configured Scheduler worker count."}),
		persistFail: prometheus.NewGauge(prometheus.GaugeOpts{Name: "pathwatch_persistence_failures_total", Help: "Writes that exhausted retry or were dropped by the Sink."}),
	}
	for _, target := range cfg.Targets {
		c.agents[target] = &Agent{Address: target, Enabled: true}
	}
	c.agg = topology.New(cfg.Source, cfg.AggregatorOptions)
	c.sched = scheduler.NewWithClock(prober, cfg.SchedulerOptions, log, clk)

	if reg != nil {
		reg.MustRegister(c.queueDepth, c.workerCount, c.persistFail)
	}
	return c
}

// Start starts the Scheduler, then the periodic scanner if ScanInterval is
// nonzero. Calling Start twice is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if err := c.sched.Start(c.cfg.workerCount()); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("controller: starting scheduler: %w", err)
	}
	c.workerCount.Set(float64(c.cfg.workerCount()))
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.cfg.ScanInterval > 0 {
		go c.runPeriodicScanner(ctx)
	} else {
		close(c.done)
	}
	return nil
}

// Stop signals the periodic scanner to exit and waits up to timeout for it
// to return, then stops the Scheduler. With a positive timeout the
// Scheduler is stopped with wait, so Stop returns only after every
// in-flight and queued job has finished; that wait is not bounded by
// timeout. A zero timeout cancels in-flight Sessions immediately rather
// than waiting.
func (c *Controller) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()

	cancel()

	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
		}
		c.sched.Stop(true)
	} else {
		c.sched.Stop(false)
	}
	return nil
}

// runPeriodicScanner is the single-owner loop: every ScanInterval it
// enumerates the current target set and schedules each enabled one. An
// empty target set triggers discovery, which backs off for
// discoveryBackoff() on error instead of retrying every ScanInterval tick.
func (c *Controller) runPeriodicScanner(ctx context.Context) {
	defer close(c.done)

	timer := c.clk.NewTimer(c.cfg.ScanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}

		targets := c.enabledTargets()
		if len(targets) == 0 && c.cfg.TargetSource != nil {
			discovered, err := c.cfg.TargetSource.Targets(ctx)
			if err != nil {
				c.log.Warnw("controller: target discovery failed", "error", err)
				timer.Reset(c.cfg.discoveryBackoff())
				continue
			}
			c.addDiscoveredTargets(discovered)
			targets = c.enabledTargets()
		}

		jobs := make([]scheduler.Job, 0, len(targets))
		for _, target := range targets {
			jobs = append(jobs, c.newJob(target, c.cfg.SessionOptions))
		}
		if err := c.sched.ScheduleBatch(jobs); err != nil {
			c.log.Warnw("controller: scheduling periodic batch failed", "error", err)
		}

		timer.Reset(c.cfg.ScanInterval)
	}
}

func (c *Controller) enabledTargets() []addr.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []addr.Address
	for _, a := range c.agents {
		if a.Enabled {
			out = append(out, a.Address)
		}
	}
	return out
}

func (c *Controller) addDiscoveredTargets(targets []addr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, target := range targets {
		if _, ok := c.agents[target]; !ok {
			c.agents[target] = &Agent{Address: target, Enabled: true}
		}
	}
}

// newJob builds the scheduler.Job whose callback ingests the completed
// Session into the Aggregator and Sink and updates the Agent's last-seen
// bookkeeping. Both downstream calls are non-blocking, satisfying the
// Scheduler's "callback must not block" contract.
func (c *Controller) newJob(target addr.Address, opts *session.Options) scheduler.Job {
	return scheduler.Job{
		Target:  target,
		Options: opts,
		Callback: func(sess *session.Session) {
			c.mu.Lock()
			if a, ok := c.agents[target]; ok {
				a.LastSeen = sess.EndedAt
				a.LastDurationMS = sess.EndedAt.Sub(sess.StartedAt).Milliseconds()
			}
			c.mu.Unlock()

			c.agg.Ingest(sess)
			if c.sink != nil {
				c.sink.Submit(persistence.FromSession(c.cfg.Source, sess))
				c.persistFail.Set(float64(c.sink.Failures()))
			}
		},
	}
}

// ScanNow enqueues an immediate trace of target, regardless of its enabled
// state (an on-demand scan is not subject to the periodic scanner's
// enable/disable gating).
func (c *Controller) ScanNow(target addr.Address, opts *session.Options) error {
	if opts == nil {
		opts = c.cfg.SessionOptions
	}
	return c.sched.Schedule(c.newJob(target, opts))
}

// EnableAgent marks target as eligible for the periodic scanner, adding it
// to the tracked set if new.
func (c *Controller) EnableAgent(target addr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[target]
	if !ok {
		a = &Agent{Address: target}
		c.agents[target] = a
	}
	a.Enabled = true
}

// DisableAgent excludes target from the periodic scanner; on-demand scans
// via ScanNow are unaffected.
func (c *Controller) DisableAgent(target addr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[target]; ok {
		a.Enabled = false
	}
}

// ListAgents answers list_agents().
func (c *Controller) ListAgents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *a)
	}
	return out
}

// GetStatus answers get_status().
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	var failures int64
	if c.sink != nil {
		failures = c.sink.Failures()
	}
	queued := c.sched.QueueLen()
	c.queueDepth.Set(float64(queued))
	return Status{
		ScannerRunning:      running && c.cfg.ScanInterval > 0,
		QueuedJobs:          queued,
		WorkerCount:         c.cfg.workerCount(),
		PersistenceFailures: failures,
		ConfigSummary:       fmt.Sprintf("workers=%d scan_interval=%s", c.cfg.workerCount(), c.cfg.ScanInterval),
	}
}

// GetTopology answers get_topology(window, filter).
func (c *Controller) GetTopology(since time.Time, filter func(addr.Address) bool) ([]topology.NodeID, map[topology.LinkKey]topology.Link) {
	return c.agg.Topology(since, filter)
}

// GetPathChanges answers get_path_changes(source, destination, window).
// source is implicitly this Controller's own vantage point; destination
// filters the Aggregator's full change log to one target.
func (c *Controller) GetPathChanges(destination addr.Address, since time.Time) []topology.PathChangeEvent {
	all := c.agg.PathChanges(since)
	out := make([]topology.PathChangeEvent, 0, len(all))
	for _, e := range all {
		if destination.IsZero() || e.Target.Equal(destination) {
			out = append(out, e)
		}
	}
	return out
}

// GetCurrentPaths answers get_current_paths(window): one row per tracked
// agent with a known path, filtered to those still current since the
// window start.
func (c *Controller) GetCurrentPaths(since time.Time) []CurrentPath {
	c.mu.Lock()
	targets := make([]addr.Address, 0, len(c.agents))
	for t := range c.agents {
		targets = append(targets, t)
	}
	c.mu.Unlock()

	var out []CurrentPath
	for _, t := range targets {
		path := c.agg.CurrentPath(t)
		if path == nil {
			continue
		}
		observedAt := c.agg.CurrentPathObservedAt(t)
		if observedAt.Before(since) {
			continue
		}
		out = append(out, CurrentPath{
			Source:      c.cfg.Source,
			Destination: t,
			ObservedAt:  observedAt,
			Path:        path,
		})
	}
	return out
}

// GetHopStats answers get_hop_stats(source, destination, hop_address,
// window), delegating to the Sink since it is the authoritative source for
// windows wider than the Aggregator's in-memory retention.
func (c *Controller) GetHopStats(ctx context.Context, destination, hopAddress addr.Address, since time.Time) ([]persistence.HopPoint, error) {
	if c.sink == nil {
		return nil, errors.New("controller: no persistence sink configured")
	}
	return c.sink.HopStats(ctx, c.cfg.Source, destination, hopAddress, since)
}
