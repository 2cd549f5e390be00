// Package topology implements the Topology Aggregator: it turns
// a stream of completed sessions into a path signature per target, detects
// path changes, and maintains a queryable graph of nodes and aggregated
// links.
package topology

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/lookup"
	"github.com/mtrtopo/pathwatch/internal/session"
)

// UnknownHopToken is the reserved placeholder a PathSignature uses for a
// TTL with no known responder.
const UnknownHopToken = "*"

// PathSignature is the deterministic string built from the first responder
// observed at each TTL, in ascending order. Two sessions to the same target
// have equal signatures iff their observed paths are hop-for-hop identical
// up to known hops.
func PathSignature(s *session.Session) string {
	if len(s.Hops) == 0 {
		return ""
	}
	maxTTL := 0
	for ttl := range s.Hops {
		if ttl > maxTTL {
			maxTTL = ttl
		}
	}
	tokens := make([]string, 0, maxTTL)
	for ttl := 1; ttl <= maxTTL; ttl++ {
		hs, ok := s.Hops[ttl]
		if !ok {
			tokens = append(tokens, UnknownHopToken)
			continue
		}
		snap := hs.Snapshot()
		if len(snap.Responders) == 0 {
			tokens = append(tokens, UnknownHopToken)
			continue
		}
		tokens = append(tokens, snap.Responders[0].String())
	}
	return strings.Join(tokens, "|")
}

// NodeKind distinguishes the three kinds of TopologyGraph node.
type NodeKind int

// Values for NodeKind.
const (
	SourceNode NodeKind = iota
	RouterNode
	DestinationNode
)

// NodeID identifies a node: kind plus address (source and destination nodes
// are addressed by the vantage point / target; router nodes by the
// responder's own address).
type NodeID struct {
	Kind    NodeKind
	Address addr.Address
}

// LinkKey identifies a directed edge between two nodes.
type LinkKey struct {
	From NodeID
	To   NodeID
}

// Link is an aggregated directed edge, carrying a running mean of RTT and
// loss plus the set of targets whose paths traverse it.
type Link struct {
	MeanRTT      time.Duration
	MeanLoss     float64
	SampleCount  int
	Targets      map[addr.Address]struct{}
	LastSampleAt time.Time
}

// AggregatorOptions configures link aggregation.
type AggregatorOptions struct {
	// SampleCeiling caps the running-mean sample count; once reached,
	// aggregation switches to an EMA with Smoothing. Zero uses
	// DefaultSampleCeiling.
	SampleCeiling int

	// Smoothing is the EMA factor applied once SampleCeiling is reached.
	// Zero uses DefaultSmoothing.
	Smoothing float64
}

// Defaults for AggregatorOptions.
const (
	DefaultSampleCeiling = 1000
	DefaultSmoothing     = 0.2
)

func (o *AggregatorOptions) sampleCeiling() int {
	if o == nil || o.SampleCeiling <= 0 {
		return DefaultSampleCeiling
	}
	return o.SampleCeiling
}

func (o *AggregatorOptions) smoothing() float64 {
	if o == nil || o.Smoothing <= 0 {
		return DefaultSmoothing
	}
	return o.Smoothing
}

// PathChangeEvent records a detected change in a target's observed path.
type PathChangeEvent struct {
	Target           addr.Address
	OldSignature     string
	NewSignature     string
	OldPath          []addr.Address
	NewPath          []addr.Address
	ObservedAt       time.Time
	PreviousDuration time.Duration
}

// targetState is the per-target bookkeeping the Aggregator keeps to detect
// path changes and resolve out-of-order arrivals.
type targetState struct {
	signature  string
	path       []addr.Address
	lastSeen   time.Time
	observedAt time.Time
}

// Aggregator owns the TopologyGraph and the per-target signature history.
// Session completions may arrive from multiple Scheduler workers
// concurrently; every mutation goes through mu, the single serialization
// point that guarantees consistency.
type Aggregator struct {
	mu sync.RWMutex

	source addr.Address
	opts   *AggregatorOptions

	nodes map[NodeID]struct{}
	links map[LinkKey]*Link

	targets map[addr.Address]*targetState
	changes []PathChangeEvent
}

// New creates an Aggregator for a vantage point identified by source.
func New(source addr.Address, opts *AggregatorOptions) *Aggregator {
	return &Aggregator{
		source:  source,
		opts:    opts,
		nodes:   make(map[NodeID]struct{}),
		links:   make(map[LinkKey]*Link),
		targets: make(map[addr.Address]*targetState),
	}
}

// Ingest folds a completed Session into the graph, detecting and recording
// a path change if the target's signature differs from the last one seen.
// Returns the PathChangeEvent if one was emitted, or nil otherwise.
func (a *Aggregator) Ingest(s *session.Session) *PathChangeEvent {
	sig := PathSignature(s)
	path := orderedPath(s)

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, hadPrev := a.targets[s.Target]

	var event *PathChangeEvent
	observedAt := s.EndedAt
	if hadPrev {
		// Out-of-order arrivals are tolerated by recency: an older
		// completion (earlier EndedAt) than what's already recorded must
		// not overwrite the newer signature or emit a stale event.
		if s.EndedAt.Before(prev.lastSeen) {
			a.updateGraph(s, path)
			return nil
		}
		observedAt = prev.observedAt
		if prev.signature != sig {
			event = &PathChangeEvent{
				Target:           s.Target,
				OldSignature:     prev.signature,
				NewSignature:     sig,
				OldPath:          prev.path,
				NewPath:          path,
				ObservedAt:       s.EndedAt,
				PreviousDuration: s.EndedAt.Sub(prev.observedAt),
			}
			a.changes = append(a.changes, *event)
			observedAt = s.EndedAt
		}
	}

	a.targets[s.Target] = &targetState{
		signature:  sig,
		path:       path,
		lastSeen:   s.EndedAt,
		observedAt: observedAt,
	}

	a.updateGraph(s, path)
	return event
}

// orderedPath returns the first responder at each known TTL, in order,
// skipping unknown hops (used for the graph's consecutive-TTL link
// construction, distinct from PathSignature's placeholder-preserving form).
func orderedPath(s *session.Session) []addr.Address {
	maxTTL := 0
	for ttl := range s.Hops {
		if ttl > maxTTL {
			maxTTL = ttl
		}
	}
	var path []addr.Address
	for ttl := 1; ttl <= maxTTL; ttl++ {
		hs, ok := s.Hops[ttl]
		if !ok {
			continue
		}
		snap := hs.Snapshot()
		if len(snap.Responders) == 0 {
			continue
		}
		path = append(path, snap.Responders[0])
	}
	return path
}

// updateGraph ensures nodes exist for the source, destination and every
// router on path, then upserts a link for each pair of consecutive known
// hops. Must be called with a.mu held.
func (a *Aggregator) updateGraph(s *session.Session, path []addr.Address) {
	srcNode := NodeID{Kind: SourceNode, Address: a.source}
	dstNode := NodeID{Kind: DestinationNode, Address: s.Target}
	a.nodes[srcNode] = struct{}{}
	a.nodes[dstNode] = struct{}{}

	prevNode := srcNode
	for i, hop := range path {
		hopNode := NodeID{Kind: RouterNode, Address: hop}
		if hop.Equal(s.Target) {
			hopNode = dstNode
		}
		a.nodes[hopNode] = struct{}{}

		snap := hopSnapshotFor(s, hop, i)
		a.upsertLink(prevNode, hopNode, s.Target, snap.MeanRTT, snap.LossPercent, s.EndedAt)
		prevNode = hopNode
	}
}

// hopSnapshotFor finds the HopStats snapshot belonging to path's i-th
// known hop by walking TTLs in order. The path slice is built from the same
// TTL-ascending scan as orderedPath, so the i-th entry always corresponds
// to exactly one TTL in s.Hops.
func hopSnapshotFor(s *session.Session, hop addr.Address, i int) hopSnapshot {
	maxTTL := 0
	for ttl := range s.Hops {
		if ttl > maxTTL {
			maxTTL = ttl
		}
	}
	idx := 0
	for ttl := 1; ttl <= maxTTL; ttl++ {
		hs, ok := s.Hops[ttl]
		if !ok {
			continue
		}
		snap := hs.Snapshot()
		if len(snap.Responders) == 0 {
			continue
		}
		if idx == i {
			return hopSnapshot{MeanRTT: snap.MeanRTT, LossPercent: snap.LossPercent}
		}
		idx++
	}
	return hopSnapshot{}
}

type hopSnapshot struct {
	MeanRTT     time.Duration
	LossPercent float64
}

// upsertLink merges one observed sample into the from→to link's running
// aggregate: a plain running mean until SampleCeiling is reached, then an
// EMA so old samples decay. sampleAt is the ending time of the Session the
// sample came from, recorded as the link's most recent activity so
// Topology can bound its result to a window. Must be called with a.mu held.
func (a *Aggregator) upsertLink(from, to NodeID, target addr.Address, rtt time.Duration, lossPercent float64, sampleAt time.Time) {
	key := LinkKey{From: from, To: to}
	link, ok := a.links[key]
	if !ok {
		link = &Link{Targets: make(map[addr.Address]struct{})}
		a.links[key] = link
	}
	link.Targets[target] = struct{}{}
	if sampleAt.After(link.LastSampleAt) {
		link.LastSampleAt = sampleAt
	}

	ceiling := a.opts.sampleCeiling()
	if link.SampleCount < ceiling {
		n := link.SampleCount + 1
		link.MeanRTT = time.Duration((int64(link.MeanRTT)*int64(link.SampleCount) + int64(rtt)) / int64(n))
		link.MeanLoss = (link.MeanLoss*float64(link.SampleCount) + lossPercent) / float64(n)
		link.SampleCount = n
		return
	}
	sm := a.opts.smoothing()
	link.MeanRTT = time.Duration(float64(link.MeanRTT)*(1-sm) + float64(rtt)*sm)
	link.MeanLoss = link.MeanLoss*(1-sm) + lossPercent*sm
}

// Topology returns the subgraph of links with at least one sample at or
// after since, matching targets when filter is non-empty. A zero since
// returns every link regardless of age. Nodes are always returned without
// filtering, since an empty-but-referenced node set would be confusing to
// callers; Links is the filtered set.
func (a *Aggregator) Topology(since time.Time, filter func(addr.Address) bool) (nodes []NodeID, links map[LinkKey]Link) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	links = make(map[LinkKey]Link)
	for k, l := range a.links {
		if !since.IsZero() && l.LastSampleAt.Before(since) {
			continue
		}
		if filter != nil && !anyTargetMatches(l.Targets, filter) {
			continue
		}
		links[k] = *l
	}
	for n := range a.nodes {
		nodes = append(nodes, n)
	}
	return nodes, links
}

func anyTargetMatches(targets map[addr.Address]struct{}, filter func(addr.Address) bool) bool {
	for t := range targets {
		if filter(t) {
			return true
		}
	}
	return false
}

// PathChanges returns recorded events since the given time, ordered by
// ObservedAt ascending. Events are recorded in arrival order, which can
// differ from ObservedAt order across targets, so the result is sorted;
// events with equal ObservedAt keep the order they were recorded in.
func (a *Aggregator) PathChanges(since time.Time) []PathChangeEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []PathChangeEvent
	for _, e := range a.changes {
		if !e.ObservedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// CurrentPath returns the most recently observed path for target, or nil if
// none has been recorded.
func (a *Aggregator) CurrentPath(target addr.Address) []addr.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.targets[target]
	if !ok {
		return nil
	}
	return append([]addr.Address(nil), st.path...)
}

// CurrentPathObservedAt returns the EndedAt of the most recent Session
// ingested for target, the zero Time if none has been recorded.
func (a *Aggregator) CurrentPathObservedAt(target addr.Address) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.targets[target]
	if !ok {
		return time.Time{}
	}
	return st.lastSeen
}

// String renders a node for debugging/logging.
func (n NodeID) String() string {
	kind := "router"
	switch n.Kind {
	case SourceNode:
		kind = "source"
	case DestinationNode:
		kind = "destination"
	}
	return fmt.Sprintf("%s(%s)", kind, n.Address)
}

// Label resolves n's address to a display name (spec's Supplemented reverse
// DNS labelling), for query-surface consumers that render current_paths or
// topology results. It never feeds back into the graph itself.
func (n NodeID) Label() string {
	return lookup.Label(n.Address)
}

// LabelPath resolves every hop in path to a display name, in order.
func LabelPath(path []addr.Address) []string {
	labels := make([]string, len(path))
	for i, hop := range path {
		labels[i] = lookup.Label(hop)
	}
	return labels
}
