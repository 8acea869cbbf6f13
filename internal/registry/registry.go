package registry

import (
	"strconv"
	"sync"
	"time"

	"github.com/inferops/gateway/internal/observability"
)

// Default liveness thresholds (spec §4.1), overridable via Config.
const (
	DefaultFailureThreshold = 3
	DefaultStaleAfter       = 15 * time.Second
	DefaultSustainedGPUPct  = 95.0
)

// node is the registry's internal per-node entry. Each node has its own
// mutex so that readers/writers of one node never contend with another
// node's updates (spec §4.1 concurrency discipline), the same shape as
// the teacher's per-key MemoryStore map, generalized to per-entry locks
// instead of one table-wide lock for the hot telemetry path.
type node struct {
	mu sync.RWMutex

	static Node

	lastSeq             uint64
	consecutiveFailures int
	lastSuccessAt       time.Time
	metrics             *Metrics
	busy                bool
	gpuHighStreak       int
}

// Registry is the process-wide node table. It is the only shared
// mutable state in the gateway; every other component reads a Snapshot
// or mutates through TryAcquire/Release/UpdateMetrics.
type Registry struct {
	// mu protects the map structure itself (insert/iterate), not the
	// per-node fields, which are independently protected.
	mu    sync.RWMutex
	nodes map[int]*node
	order []int // stable iteration order, registration order

	failureThreshold int
	staleAfter       time.Duration
	sustainedGPUPct  float64
}

// New builds a Registry seeded with the given static node list.
func New(nodes []Node) *Registry {
	r := &Registry{
		nodes:            make(map[int]*node, len(nodes)),
		failureThreshold: DefaultFailureThreshold,
		staleAfter:       DefaultStaleAfter,
		sustainedGPUPct:  DefaultSustainedGPUPct,
	}
	for _, n := range nodes {
		r.nodes[n.ID] = &node{static: n}
		r.order = append(r.order, n.ID)
	}
	return r
}

// SetLivenessThresholds overrides the defaults (spec §4.1 "configurable
// but have these defaults").
func (r *Registry) SetLivenessThresholds(failureThreshold int, staleAfter time.Duration) {
	r.failureThreshold = failureThreshold
	r.staleAfter = staleAfter
}

// IDs returns the configured node IDs in registration order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

// StaticNodes returns the static config for every configured node, used
// by the scheduler's capability normalization which needs every node's
// declared capability regardless of current liveness.
func (r *Registry) StaticNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].static)
	}
	return out
}

func (r *Registry) lookup(id int) (*node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// isOnline computes liveness live, not from a cached flag: a node flips
// offline the instant it crosses either threshold even between polls
// (spec §4.1 liveness rule), and flips back online only on the next
// successful poll.
func (r *Registry) isOnline(n *node) bool {
	if n.lastSuccessAt.IsZero() {
		return false
	}
	if n.consecutiveFailures >= r.failureThreshold {
		return false
	}
	if time.Since(n.lastSuccessAt) > r.staleAfter {
		return false
	}
	return true
}

func (r *Registry) view(n *node) NodeView {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var m *Metrics
	if n.metrics != nil {
		cp := *n.metrics
		cp.Models = append([]string(nil), n.metrics.Models...)
		m = &cp
	}

	return NodeView{
		Node:                n.static,
		Online:              r.isOnline(n),
		Busy:                n.busy,
		LastSuccessAt:       n.lastSuccessAt,
		ConsecutiveFailures: n.consecutiveFailures,
		Metrics:             m,
		SustainedHighGPU:    n.gpuHighStreak >= 2,
	}
}

// Snapshot returns an immutable, consistent-enough view of every node
// for readers (HTTP status, scheduler, alerts). Each node's fields are
// copied under its own lock; there is no global freeze, but the
// scheduler only needs "a node cannot appear both eligible and busy
// within one call" (spec §5), which a single per-node read satisfies.
func (r *Registry) Snapshot() []NodeView {
	r.mu.RLock()
	ids := make([]int, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]NodeView, 0, len(ids))
	for _, id := range ids {
		n, ok := r.lookup(id)
		if !ok {
			continue
		}
		out = append(out, r.view(n))
	}
	return out
}

// Get returns a single node's current view.
func (r *Registry) Get(id int) (NodeView, bool) {
	n, ok := r.lookup(id)
	if !ok {
		return NodeView{}, false
	}
	return r.view(n), true
}

// UpdateMetrics records a successful telemetry fetch. seq must be the
// node's monotonically increasing poll sequence number; updates for an
// older seq than already applied are discarded (spec §4.2 ordering
// guarantee — late responses from an earlier, slower poll don't
// overwrite a newer one).
func (r *Registry) UpdateMetrics(id int, seq uint64, m Metrics) {
	n, ok := r.lookup(id)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if seq < n.lastSeq {
		return // stale, out-of-order response
	}
	n.lastSeq = seq

	m.FetchedAt = time.Now()
	n.metrics = &m
	n.consecutiveFailures = 0
	n.lastSuccessAt = time.Now()

	if m.GPUUtilizationPercent >= r.sustainedGPUPct {
		n.gpuHighStreak++
	} else {
		n.gpuHighStreak = 0
	}

	r.reportLiveness(n)
}

// UpdateFailure records a failed telemetry fetch (HTTP error, timeout,
// or schema violation). consecutive_failures is monotonically
// non-decreasing until the next success (spec §3 invariant).
func (r *Registry) UpdateFailure(id int, seq uint64) {
	n, ok := r.lookup(id)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if seq < n.lastSeq {
		return
	}
	n.lastSeq = seq
	n.consecutiveFailures++

	r.reportLiveness(n)
}

// NoteUpstreamFailure bumps the node's advisory failure counter outside
// the telemetry poller's sequence numbering, for a dispatcher that
// failed to open a stream against this node before handing it back
// (spec §4.4 pre-stream failover: "mark the node's consecutive_failures
// advisory counter"). Liveness counts this same counter, so enough of
// these between successful polls take the node offline; the next
// successful telemetry poll resets the counter and brings it back.
func (r *Registry) NoteUpstreamFailure(id int) {
	n, ok := r.lookup(id)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.consecutiveFailures++

	r.reportLiveness(n)
}

// TryAcquire attempts to take the node's exclusivity lock. It fails if
// the node is already busy or offline; both checks happen atomically
// with respect to each other (spec §4.1).
func (r *Registry) TryAcquire(id int) bool {
	n, ok := r.lookup(id)
	if !ok {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !r.isOnline(n) {
		return false
	}
	if n.busy {
		return false
	}
	n.busy = true
	observability.NodeBusy.WithLabelValues(strconv.Itoa(n.static.ID), n.static.Name).Set(1)
	return true
}

// Release frees the node's exclusivity lock. It clears the flag
// unconditionally: on a node that is not busy it is a no-op, but it
// does not check who holds the lock, so a caller whose TryAcquire failed
// would free another holder's lock by calling it.
func (r *Registry) Release(id int) {
	n, ok := r.lookup(id)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.busy = false
	observability.NodeBusy.WithLabelValues(strconv.Itoa(n.static.ID), n.static.Name).Set(0)
}

// reportLiveness updates the NodeOnline gauge. Callers must already
// hold n.mu.
func (r *Registry) reportLiveness(n *node) {
	v := 0.0
	if r.isOnline(n) {
		v = 1.0
	}
	observability.NodeOnline.WithLabelValues(strconv.Itoa(n.static.ID), n.static.Name).Set(v)
}
