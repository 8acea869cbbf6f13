// Package telemetry polls each configured node's monitor agent and
// updates the registry (spec §4.2), grounded on the teacher's
// coordination/agent_monitor.go ticker-loop shape and
// jobs.go::DispatchJob's context-scoped http.Client usage.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/inferops/gateway/internal/observability"
	"github.com/inferops/gateway/internal/registry"
)

// rawMetrics mirrors the monitor agent's wire schema (spec §6.1).
// Missing top-level fields must fail ingest, so every field is a
// pointer: a nil pointer after unmarshal means "absent".
type rawMetrics struct {
	CPUUsagePercent *float64 `json:"cpu_usage_percent"`
	CPUModel        *string  `json:"cpu_model"`
	Memory          *struct {
		Percent *float64 `json:"percent"`
	} `json:"memory"`
	GPU *struct {
		UtilizationPercent *float64 `json:"utilization_percent"`
		MemoryUsagePercent *float64 `json:"memory_usage_percent"`
		TemperatureCelsius *float64 `json:"temperature_celsius"`
	} `json:"gpu"`
	Models *[]string `json:"models"`
}

// validate rejects partial structures (spec §3 invariant: metrics is
// either absent or fully populated).
func (r *rawMetrics) validate() error {
	switch {
	case r.CPUUsagePercent == nil:
		return fmt.Errorf("missing cpu_usage_percent")
	case r.CPUModel == nil:
		return fmt.Errorf("missing cpu_model")
	case r.Memory == nil || r.Memory.Percent == nil:
		return fmt.Errorf("missing memory.percent")
	case r.GPU == nil:
		return fmt.Errorf("missing gpu")
	case r.GPU.UtilizationPercent == nil:
		return fmt.Errorf("missing gpu.utilization_percent")
	case r.GPU.MemoryUsagePercent == nil:
		return fmt.Errorf("missing gpu.memory_usage_percent")
	case r.GPU.TemperatureCelsius == nil:
		return fmt.Errorf("missing gpu.temperature_celsius")
	case r.Models == nil:
		return fmt.Errorf("missing models")
	}
	return nil
}

func (r *rawMetrics) toMetrics() registry.Metrics {
	return registry.Metrics{
		CPUUsagePercent:       *r.CPUUsagePercent,
		CPUModel:              *r.CPUModel,
		MemoryPercent:         *r.Memory.Percent,
		GPUUtilizationPercent: *r.GPU.UtilizationPercent,
		GPUMemoryUsagePercent: *r.GPU.MemoryUsagePercent,
		GPUTemperatureCelsius: *r.GPU.TemperatureCelsius,
		Models:                *r.Models,
	}
}

// Poller runs one polling goroutine per configured node.
type Poller struct {
	registry *registry.Registry
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
}

// New builds a Poller. interval is the per-node poll period (default
// 2s); timeout is the per-request hard timeout (default 1.5s).
func New(reg *registry.Registry, interval, timeout time.Duration) *Poller {
	return &Poller{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

// Start launches one polling goroutine per node in the registry. It
// returns immediately; polling stops when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	for _, n := range p.registry.StaticNodes() {
		go p.pollLoop(ctx, n)
	}
}

// pollLoop runs forever for a single node. Individual node failures
// never affect other nodes' polling (spec §4.2 failure semantics) since
// each node gets its own goroutine and its own ticker.
func (p *Poller) pollLoop(ctx context.Context, n registry.Node) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq = atomic.AddUint64(&seq, 1)
			p.pollOnce(ctx, n, seq)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, n registry.Node, seq uint64) {
	start := time.Now()
	defer func() {
		observability.TelemetryPollDuration.
			WithLabelValues(fmt.Sprint(n.ID)).
			Observe(time.Since(start).Seconds())
	}()

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := n.MonitorBaseURL + "/metrics"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		p.fail(n, seq, "build_request", err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(n, seq, "timeout_or_connect", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.fail(n, seq, "http_status", fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	var raw rawMetrics
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		p.fail(n, seq, "decode", err)
		return
	}
	if err := raw.validate(); err != nil {
		p.fail(n, seq, "schema", err)
		return
	}

	p.registry.UpdateMetrics(n.ID, seq, raw.toMetrics())
}

func (p *Poller) fail(n registry.Node, seq uint64, reason string, err error) {
	observability.TelemetryPollFailures.WithLabelValues(fmt.Sprint(n.ID), reason).Inc()
	log.Printf("telemetry: poll failed for node %d (%s): %s: %v", n.ID, n.Name, reason, err)
	p.registry.UpdateFailure(n.ID, seq)
}
