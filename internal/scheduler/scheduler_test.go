package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/inferops/gateway/internal/registry"
)

func viewOf(id int, gpuUtil float64, models ...string) registry.NodeView {
	return registry.NodeView{
		Node:          registry.Node{ID: id, Name: "node", VRAMGB: 24, TFLOPs: 80},
		Online:        true,
		Busy:          false,
		LastSuccessAt: time.Now(),
		Metrics: &registry.Metrics{
			CPUUsagePercent:       20,
			MemoryPercent:         20,
			GPUUtilizationPercent: gpuUtil,
			GPUMemoryUsagePercent: 20,
			GPUTemperatureCelsius: 50,
			Models:                models,
			FetchedAt:             time.Now(),
		},
	}
}

func TestPickTieBreakByLowerNodeID(t *testing.T) {
	// S1: two nodes, equal composite score and identical GPU util.
	sched := New(DefaultWeights(), 2*time.Second)
	snap := []registry.NodeView{viewOf(2, 40), viewOf(1, 40)}

	id, err := sched.Pick(snap, Requirements{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected tie-break to pick node 1, got %d", id)
	}
}

func TestPickModelFilterOverridesScore(t *testing.T) {
	// S2: node 1 scores higher but doesn't advertise the requested model.
	sched := New(DefaultWeights(), 2*time.Second)
	n1 := viewOf(1, 10, "llama3") // low GPU util -> higher score
	n2 := viewOf(2, 90, "mistral")
	snap := []registry.NodeView{n1, n2}

	id, err := sched.Pick(snap, Requirements{Model: "mistral"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected model filter to force node 2, got %d", id)
	}
}

func TestPickExcludesOfflineNode(t *testing.T) {
	sched := New(DefaultWeights(), 2*time.Second)
	offline := viewOf(1, 10)
	offline.Online = false
	snap := []registry.NodeView{offline, viewOf(2, 10)}

	id, err := sched.Pick(snap, Requirements{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected offline node excluded, picked %d", id)
	}
}

func TestPickExcludesBusyNode(t *testing.T) {
	sched := New(DefaultWeights(), 2*time.Second)
	busy := viewOf(1, 10)
	busy.Busy = true
	snap := []registry.NodeView{busy, viewOf(2, 10)}

	id, err := sched.Pick(snap, Requirements{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected busy node excluded, picked %d", id)
	}
}

func TestPickExcludesStaleMetrics(t *testing.T) {
	sched := New(DefaultWeights(), 2*time.Second)
	stale := viewOf(1, 10)
	stale.Metrics.FetchedAt = time.Now().Add(-10 * time.Second)
	snap := []registry.NodeView{stale, viewOf(2, 10)}

	id, err := sched.Pick(snap, Requirements{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected stale node excluded, picked %d", id)
	}
}

func TestPickNoNodeAvailable(t *testing.T) {
	sched := New(DefaultWeights(), 2*time.Second)
	_, err := sched.Pick(nil, Requirements{})
	if !errors.Is(err, ErrNoNodeAvailable) {
		t.Fatalf("expected ErrNoNodeAvailable, got %v", err)
	}
}

func TestTemperatureScoreBounds(t *testing.T) {
	cases := []struct {
		celsius float64
		want    float64
	}{
		{50, 1.0},
		{60, 1.0},
		{75, 0.5},
		{90, 0.0},
		{100, 0.0},
	}
	for _, c := range cases {
		got := temperatureScore(c.celsius)
		if got != c.want {
			t.Errorf("temperatureScore(%v) = %v, want %v", c.celsius, got, c.want)
		}
	}
}

func TestHigherCapabilityWinsAllElseEqual(t *testing.T) {
	sched := New(DefaultWeights(), 2*time.Second)
	weak := viewOf(1, 50)
	weak.VRAMGB, weak.TFLOPs = 8, 20
	strong := viewOf(2, 50)
	strong.VRAMGB, strong.TFLOPs = 80, 300

	id, err := sched.Pick([]registry.NodeView{weak, strong}, Requirements{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected higher-capability node to win, picked %d", id)
	}
}
