// Package alerts derives human-readable alerts from a registry snapshot
// (spec §4.6): a pure function with no state of its own, grounded on the
// same "evaluate the current view, don't own it" shape as
// internal/scheduler, generalized from the teacher's threshold checks
// scattered through control_plane/observability/metrics.go's gauge
// updates into one dedicated evaluator.
package alerts

import (
	"fmt"
	"time"

	"github.com/inferops/gateway/internal/observability"
	"github.com/inferops/gateway/internal/registry"
)

// Alert levels (spec §3).
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert is a derived fact about a node or the pool as a whole.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	NodeID  *int   `json:"node_id,omitempty"`
}

// Thresholds are the spec §4.6 default trigger points, overridable.
type Thresholds struct {
	OfflineAlertDelay time.Duration
	GPUTempCritical   float64
	GPUMemWarning     float64
	MemWarning        float64
	GPUUtilWarning    float64
}

// DefaultThresholds returns the spec-mandated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OfflineAlertDelay: 30 * time.Second,
		GPUTempCritical:   85,
		GPUMemWarning:     90,
		MemWarning:        90,
		GPUUtilWarning:    95,
	}
}

// Evaluate runs the spec's threshold rules over a snapshot. It keeps no
// state of its own, but the offline rule measures against the current
// time, so the same snapshot can yield an offline alert later that it
// did not yield earlier. It also updates the AlertsActive gauge.
func Evaluate(snapshot []registry.NodeView, th Thresholds) []Alert {
	var out []Alert
	for _, v := range snapshot {
		id := v.ID

		if !v.Online && offlineFor(v) >= th.OfflineAlertDelay {
			out = append(out, Alert{
				Level:   LevelCritical,
				Message: fmt.Sprintf("%s has been offline for %s", v.Name, offlineFor(v).Round(time.Second)),
				NodeID:  &id,
			})
		}

		if v.Metrics == nil {
			continue
		}
		m := v.Metrics

		if m.GPUTemperatureCelsius >= th.GPUTempCritical {
			out = append(out, Alert{
				Level:   LevelCritical,
				Message: fmt.Sprintf("%s GPU temperature is %.0f°C", v.Name, m.GPUTemperatureCelsius),
				NodeID:  &id,
			})
		}

		if m.GPUMemoryUsagePercent >= th.GPUMemWarning {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("%s GPU memory usage is %.0f%%", v.Name, m.GPUMemoryUsagePercent),
				NodeID:  &id,
			})
		}
		if m.MemoryPercent >= th.MemWarning {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("%s system memory usage is %.0f%%", v.Name, m.MemoryPercent),
				NodeID:  &id,
			})
		}

		if m.GPUUtilizationPercent >= th.GPUUtilWarning && v.SustainedHighGPU {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("%s GPU utilization has been sustained at %.0f%% across consecutive polls", v.Name, m.GPUUtilizationPercent),
				NodeID:  &id,
			})
		}
	}

	reportActive(out)
	return out
}

// reportActive updates the AlertsActive gauge by level. It's a side
// effect on top of an otherwise pure evaluation, same as the teacher's
// own metrics updates living alongside its business logic rather than
// in a separate observer.
func reportActive(alerts []Alert) {
	counts := map[string]float64{LevelWarning: 0, LevelCritical: 0}
	for _, a := range alerts {
		counts[a.Level]++
	}
	for level, n := range counts {
		observability.AlertsActive.WithLabelValues(level).Set(n)
	}
}

// offlineFor is how long a node has been offline, measured from its last
// successful poll; a node that has never succeeded is reported as offline
// for a fixed 365 days, which exceeds any practical delay threshold.
func offlineFor(v registry.NodeView) time.Duration {
	if v.LastSuccessAt.IsZero() {
		return time.Hour * 24 * 365 // effectively "forever"
	}
	return time.Since(v.LastSuccessAt)
}
