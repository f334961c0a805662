package engine

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewMetrics(nil)

	m.Record("worker.search", 100*time.Millisecond, false)
	m.Record("worker.search", 300*time.Millisecond, false)
	m.Record("worker.search", 50*time.Millisecond, true)
	m.Record("node.analyze", 10*time.Millisecond, false)

	snapshot := m.Snapshot()
	search := snapshot["worker.search"]
	if search.Success != 2 || search.Failure != 1 {
		t.Errorf("search = %d success / %d failure, want 2/1", search.Success, search.Failure)
	}
	if search.MaxElapsed != 300*time.Millisecond {
		t.Errorf("MaxElapsed = %v, want 300ms", search.MaxElapsed)
	}
	if search.AvgElapsed() != 150*time.Millisecond {
		t.Errorf("AvgElapsed = %v, want 150ms", search.AvgElapsed())
	}
	if snapshot["node.analyze"].Success != 1 {
		t.Error("analyze node not recorded")
	}
}

func TestMetricsSnapshotIsolation(t *testing.T) {
	m := NewMetrics(nil)
	m.Record("n", time.Millisecond, false)

	snapshot := m.Snapshot()
	stats := snapshot["n"]
	stats.Success = 99

	if m.Snapshot()["n"].Success != 1 {
		t.Error("snapshot mutation leaked into the collector")
	}
}

func TestMetricsConcurrentRecord(t *testing.T) {
	m := NewMetrics(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record("n", time.Microsecond, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats := m.Snapshot()["n"]
	if stats.Success+stats.Failure != 800 {
		t.Errorf("recorded %d outcomes, want 800", stats.Success+stats.Failure)
	}
}

func TestNodeStatsAvgEmpty(t *testing.T) {
	var stats NodeStats
	if stats.AvgElapsed() != 0 {
		t.Error("empty stats should average to zero")
	}
}
