package engine

import (
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// NodeStats aggregates outcomes for one graph node or worker.
type NodeStats struct {
	Success      int64         `json:"success"`
	Failure      int64         `json:"failure"`
	TotalElapsed time.Duration `json:"total_elapsed"`
	MaxElapsed   time.Duration `json:"max_elapsed"`
}

// AvgElapsed returns the mean latency across all recorded outcomes.
func (s NodeStats) AvgElapsed() time.Duration {
	total := s.Success + s.Failure
	if total == 0 {
		return 0
	}
	return s.TotalElapsed / time.Duration(total)
}

// Metrics collects per-node counters and latency aggregates, mirroring each
// observation to the telemetry provider when one is configured.
type Metrics struct {
	mu        sync.Mutex
	nodes     map[string]*NodeStats
	telemetry core.Telemetry
}

// NewMetrics creates a metrics collector. telemetry may be nil.
func NewMetrics(telemetry core.Telemetry) *Metrics {
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Metrics{
		nodes:     make(map[string]*NodeStats),
		telemetry: telemetry,
	}
}

// Record registers one node outcome.
func (m *Metrics) Record(node string, elapsed time.Duration, failed bool) {
	m.mu.Lock()
	stats, ok := m.nodes[node]
	if !ok {
		stats = &NodeStats{}
		m.nodes[node] = stats
	}
	if failed {
		stats.Failure++
	} else {
		stats.Success++
	}
	stats.TotalElapsed += elapsed
	if elapsed > stats.MaxElapsed {
		stats.MaxElapsed = elapsed
	}
	m.mu.Unlock()

	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.telemetry.RecordMetric("zipsa.node.executions", 1, map[string]string{
		"node":    node,
		"outcome": outcome,
	})
	m.telemetry.RecordMetric("zipsa.node.latency_ms", float64(elapsed.Milliseconds()), map[string]string{
		"node": node,
	})
}

// Snapshot returns a copy of all node stats.
func (m *Metrics) Snapshot() map[string]NodeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]NodeStats, len(m.nodes))
	for node, stats := range m.nodes {
		out[node] = *stats
	}
	return out
}
