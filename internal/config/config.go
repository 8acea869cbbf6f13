// Package config loads the gateway's single startup Config object: the
// static node list (from a YAML file) plus tunables overridable by
// environment variables, following the teacher's own
// env-override-over-defaults style in control_plane/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inferops/gateway/internal/registry"
	"github.com/inferops/gateway/internal/scheduler"
)

// NodeFile is the on-disk shape of one configured node in the nodes
// YAML file.
type NodeFile struct {
	ID             int     `yaml:"id"`
	Name           string  `yaml:"name"`
	MonitorBaseURL string  `yaml:"monitor_base_url"`
	LLMURL         string  `yaml:"llm_url"`
	VRAMGB         float64 `yaml:"vram_gb"`
	TFLOPs         float64 `yaml:"tflops"`
}

// neutralCapability is used when a node's YAML entry omits vram_gb/tflops
// (spec §3 "optional; defaults when absent pick a neutral baseline").
const (
	neutralVRAMGB = 24.0
	neutralTFLOPs = 80.0
)

// Config is the gateway's single startup configuration object.
type Config struct {
	Nodes []registry.Node

	ListenAddr string

	PollInterval      time.Duration
	TelemetryTimeout  time.Duration
	FailureThreshold  int
	StaleAfter        time.Duration
	OfflineAlertDelay time.Duration

	SchedulerWeights scheduler.Weights

	DispatchConnectTimeout time.Duration
	DispatchIdleTimeout    time.Duration
	DispatchRetryBackoff   time.Duration

	MaxBatchWorkers int
	BatchItemDeadline time.Duration
	MaxJobsRetained int

	RedisAddr string // optional: non-empty enables the Redis-backed batch job store
	PostgresDSN string // optional: non-empty enables the history sink
}

// Default returns the baseline Config with spec-mandated defaults
// (poll_interval=2s, timeout=1.5s, offline_alert_delay=30s, default
// scheduler weights, max_workers=8).
func Default() Config {
	return Config{
		ListenAddr:             ":8080",
		PollInterval:           2 * time.Second,
		TelemetryTimeout:       1500 * time.Millisecond,
		FailureThreshold:       registry.DefaultFailureThreshold,
		StaleAfter:             registry.DefaultStaleAfter,
		OfflineAlertDelay:      30 * time.Second,
		SchedulerWeights:       scheduler.DefaultWeights(),
		DispatchConnectTimeout: 5 * time.Second,
		DispatchIdleTimeout:    60 * time.Second,
		DispatchRetryBackoff:   50 * time.Millisecond,
		MaxBatchWorkers:        8,
		BatchItemDeadline:      5 * time.Minute,
		MaxJobsRetained:        32,
	}
}

// Load builds a Config from defaults, a node YAML file, and environment
// variable overrides. nodesPath may be empty, in which case Nodes stays
// empty and the caller must populate it (used in tests).
func Load(nodesPath string) (Config, error) {
	cfg := Default()

	if nodesPath != "" {
		nodes, err := loadNodes(nodesPath)
		if err != nil {
			return cfg, fmt.Errorf("loading node inventory: %w", err)
		}
		cfg.Nodes = nodes
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadNodes(path string) ([]registry.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var files []NodeFile
	if err := yaml.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("parsing node inventory: %w", err)
	}

	nodes := make([]registry.Node, 0, len(files))
	for _, f := range files {
		n := registry.Node{
			ID:             f.ID,
			Name:           f.Name,
			MonitorBaseURL: f.MonitorBaseURL,
			LLMURL:         f.LLMURL,
			VRAMGB:         f.VRAMGB,
			TFLOPs:         f.TFLOPs,
		}
		if n.VRAMGB == 0 {
			n.VRAMGB = neutralVRAMGB
		}
		if n.TFLOPs == 0 {
			n.TFLOPs = neutralTFLOPs
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// applyEnvOverrides mirrors the teacher's main.go: fmt.Sscanf against a
// handful of named env vars, defaults left untouched when unset.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		var ms int
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil && ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_BATCH_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.MaxBatchWorkers = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
}
