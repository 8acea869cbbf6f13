// Package registry holds the process-wide node table: static node
// configuration, the latest telemetry snapshot per node, liveness, and
// the per-node exclusivity lock. It is the only shared mutable state in
// the gateway (spec §5 "Shared-resource policy").
package registry

import "time"

// Node is the static, startup-declared identity and capability of a
// configured worker node.
type Node struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	MonitorBaseURL string  `json:"monitor_base_url"`
	LLMURL         string  `json:"llm_url"`
	VRAMGB         float64 `json:"vram_gb"`
	TFLOPs         float64 `json:"tflops"`
}

// Metrics is the last successfully parsed telemetry snapshot for a node.
// It is either absent or fully populated — partial structures are
// rejected at ingest by the telemetry poller.
type Metrics struct {
	CPUUsagePercent       float64   `json:"cpu_usage_percent"`
	CPUModel              string    `json:"cpu_model"`
	MemoryPercent         float64   `json:"memory_percent"`
	GPUUtilizationPercent float64   `json:"gpu_utilization_percent"`
	GPUMemoryUsagePercent float64   `json:"gpu_memory_usage_percent"`
	GPUTemperatureCelsius float64   `json:"gpu_temperature_celsius"`
	Models                []string  `json:"models"`
	FetchedAt             time.Time `json:"fetched_at"`
}

// HasModel reports whether the snapshot advertises the given model name.
func (m *Metrics) HasModel(model string) bool {
	if m == nil {
		return false
	}
	for _, name := range m.Models {
		if name == model {
			return true
		}
	}
	return false
}

// NodeView is an immutable, point-in-time copy of one node's static
// config plus dynamic state, safe to hand to readers (HTTP status,
// scheduler, alerts) without holding any lock.
type NodeView struct {
	Node

	Online              bool      `json:"online"`
	Busy                bool      `json:"locked"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Metrics             *Metrics  `json:"metrics"` // nil until the first successful poll
	SustainedHighGPU    bool      `json:"-"`        // internal only, not part of the wire view
}

// StaleAfter reports whether this view's metrics are older than the
// given freshness window (spec §4.3 eligibility filter).
func (v *NodeView) StaleAfter(window time.Duration) bool {
	if v.Metrics == nil {
		return true
	}
	return time.Since(v.Metrics.FetchedAt) > window
}
