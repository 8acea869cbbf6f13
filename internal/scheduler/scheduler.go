// Package scheduler implements the gateway's node-selection policy
// (spec §4.3): a pure function over a registry snapshot, grounded on
// the teacher's weighted composite-score idea
// (control_plane/scheduler/types.go::CalculateCompositeScore) but
// rewritten as a stateless Pick instead of a stateful queue drainer —
// the teacher's scheduler owns a task queue and worker pool, InferOps'
// scheduler only ever answers "which node" (spec §9 design note).
package scheduler

import (
	"sort"
	"strconv"
	"time"

	"github.com/inferops/gateway/internal/observability"
	"github.com/inferops/gateway/internal/registry"
)

// Weights are the composite-score coefficients (spec §4.3 defaults).
type Weights struct {
	Capability  float64
	GPUUtil     float64
	GPUMemory   float64
	CPU         float64
	Memory      float64
	Temperature float64
}

// DefaultWeights returns the spec-mandated default weights, which sum to 1.0.
func DefaultWeights() Weights {
	return Weights{
		Capability:  0.30,
		GPUUtil:     0.25,
		GPUMemory:   0.15,
		CPU:         0.10,
		Memory:      0.10,
		Temperature: 0.10,
	}
}

// Requirements narrows eligibility for a single Pick call.
type Requirements struct {
	Model string // optional; empty means no model constraint

	// Exclude removes specific node IDs from consideration, used by the
	// dispatcher's pre-stream failover loop so a retry after a failed
	// node makes progress onto a different candidate instead of
	// re-picking the same top-scored node forever (spec §4.4; scoring
	// itself carries no memory of past failures).
	Exclude map[int]bool
}

// ErrNoNodeAvailable should be checked with errors.Is against the
// returned error; kept as a plain exported sentinel instead of a
// errs.Error so internal/scheduler has no dependency on the HTTP-facing
// error package (the scheduler is meant to stay a pure, boundary-free
// function per spec §9).
type noNodeAvailableError struct{}

func (noNodeAvailableError) Error() string { return "no node available" }

// ErrNoNodeAvailable is returned by Pick when no node is eligible.
var ErrNoNodeAvailable error = noNodeAvailableError{}

// Scheduler holds the weights and the poll interval needed to judge
// metric freshness; it does not hold any node state of its own.
type Scheduler struct {
	weights      Weights
	pollInterval time.Duration
}

// New builds a Scheduler with the given weights and poll interval (used
// to compute the 2x-poll-interval freshness window).
func New(weights Weights, pollInterval time.Duration) *Scheduler {
	return &Scheduler{weights: weights, pollInterval: pollInterval}
}

// Pick returns the best eligible node ID from the given snapshot, or
// ErrNoNodeAvailable. Pick takes an immutable snapshot and never
// mutates, blocks, or retries (spec §4.3 failure semantics).
func (s *Scheduler) Pick(snapshot []registry.NodeView, req Requirements) (int, error) {
	eligible := s.eligible(snapshot, req)
	if len(eligible) == 0 {
		observability.SchedulerPicks.WithLabelValues("no_node_available").Inc()
		return 0, ErrNoNodeAvailable
	}

	capScores := normalizedCapabilityScores(snapshot)

	type scored struct {
		view  registry.NodeView
		score float64
	}
	scoredNodes := make([]scored, 0, len(eligible))
	for _, v := range eligible {
		sc := s.score(v, capScores[v.ID])
		observability.SchedulerNodeScore.WithLabelValues(strconv.Itoa(v.ID)).Set(sc)
		scoredNodes = append(scoredNodes, scored{view: v, score: sc})
	}

	sort.SliceStable(scoredNodes, func(i, j int) bool {
		a, b := scoredNodes[i], scoredNodes[j]
		if a.score != b.score {
			return a.score > b.score // highest score first
		}
		if a.view.Metrics != nil && b.view.Metrics != nil &&
			a.view.Metrics.GPUUtilizationPercent != b.view.Metrics.GPUUtilizationPercent {
			return a.view.Metrics.GPUUtilizationPercent < b.view.Metrics.GPUUtilizationPercent
		}
		return a.view.ID < b.view.ID
	})

	observability.SchedulerPicks.WithLabelValues("picked").Inc()
	return scoredNodes[0].view.ID, nil
}

// eligible applies the spec §4.3 eligibility filter in order: online,
// not busy, model match, fresh metrics.
func (s *Scheduler) eligible(snapshot []registry.NodeView, req Requirements) []registry.NodeView {
	freshWindow := 2 * s.pollInterval
	out := make([]registry.NodeView, 0, len(snapshot))
	for _, v := range snapshot {
		if !v.Online {
			continue
		}
		if v.Busy {
			continue
		}
		if req.Exclude[v.ID] {
			continue
		}
		if req.Model != "" && !v.Metrics.HasModel(req.Model) {
			continue
		}
		if v.StaleAfter(freshWindow) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// score computes the weighted composite score for one node (spec §4.3
// formula). capScore is the node's pre-normalized capability score.
func (s *Scheduler) score(v registry.NodeView, capScore float64) float64 {
	m := v.Metrics // guaranteed non-nil by eligible()'s freshness filter
	w := s.weights

	return w.Capability*capScore +
		w.GPUUtil*(1-m.GPUUtilizationPercent/100) +
		w.GPUMemory*(1-m.GPUMemoryUsagePercent/100) +
		w.CPU*(1-m.CPUUsagePercent/100) +
		w.Memory*(1-m.MemoryPercent/100) +
		w.Temperature*temperatureScore(m.GPUTemperatureCelsius)
}

// temperatureScore is 1.0 at/below 60C, linearly decays to 0.0 at 90C,
// and 0.0 above (spec §4.3).
func temperatureScore(celsius float64) float64 {
	switch {
	case celsius <= 60:
		return 1.0
	case celsius >= 90:
		return 0.0
	default:
		return 1.0 - (celsius-60)/30.0
	}
}

// normalizedCapabilityScores computes cap_score for every configured
// node (spec §4.3: "normalize... across all configured nodes, to
// [0,1]"), using the full snapshot (including offline/busy nodes) so the
// normalization denominator doesn't shift as nodes go up and down.
func normalizedCapabilityScores(snapshot []registry.NodeView) map[int]float64 {
	raw := make(map[int]float64, len(snapshot))
	max := 0.0
	for _, v := range snapshot {
		r := v.VRAMGB*0.5 + v.TFLOPs*0.5
		raw[v.ID] = r
		if r > max {
			max = r
		}
	}
	out := make(map[int]float64, len(raw))
	for id, r := range raw {
		if max == 0 {
			out[id] = 0
			continue
		}
		out[id] = r / max
	}
	return out
}
