// Package history appends node telemetry and alert rows to Postgres for
// dashboard charting (supplemental to spec §4 — the gateway's own
// runtime correctness never reads this data back). Grounded on the
// teacher's control_plane/store/postgres.go pgxpool setup and
// parameterized-insert style, cut down to the two append-only tables
// this domain actually needs.
package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inferops/gateway/internal/alerts"
	"github.com/inferops/gateway/internal/registry"
)

// Sink appends telemetry and alert snapshots to Postgres.
type Sink struct {
	pool *pgxpool.Pool
}

// NewSink opens a connection pool and verifies it with a ping, the same
// construction-time check as the teacher's NewPostgresStore.
func NewSink(ctx context.Context, connString string) (*Sink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Sink) Close() { s.pool.Close() }

// RecordMetrics appends one row per node for this poll tick.
func (s *Sink) RecordMetrics(ctx context.Context, snapshot []registry.NodeView) error {
	const query = `
		INSERT INTO node_metrics_history
			(node_id, online, cpu_usage_percent, memory_percent,
			 gpu_utilization_percent, gpu_memory_usage_percent,
			 gpu_temperature_celsius, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	for _, v := range snapshot {
		if v.Metrics == nil {
			continue
		}
		if _, err := s.pool.Exec(ctx, query,
			v.ID, v.Online, v.Metrics.CPUUsagePercent, v.Metrics.MemoryPercent,
			v.Metrics.GPUUtilizationPercent, v.Metrics.GPUMemoryUsagePercent,
			v.Metrics.GPUTemperatureCelsius,
		); err != nil {
			return err
		}
	}
	return nil
}

// RecordAlerts appends one row per raised alert.
func (s *Sink) RecordAlerts(ctx context.Context, raised []alerts.Alert) error {
	const query = `
		INSERT INTO alert_history (node_id, level, message, raised_at)
		VALUES ($1, $2, $3, NOW())
	`
	for _, a := range raised {
		if _, err := s.pool.Exec(ctx, query, a.NodeID, a.Level, a.Message); err != nil {
			return err
		}
	}
	return nil
}
