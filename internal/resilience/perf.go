package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/price-pulse/internal/metrics"
)

// DefaultMonitorWindow is the number of metrics kept per operation.
const DefaultMonitorWindow = 100

// PerformanceMetric is one measured run of an operation.
type PerformanceMetric struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"durationNs"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// OperationStats summarizes the retained metrics of one operation.
type OperationStats struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	AverageMS int64  `json:"averageMs"`
}

// PerformanceMonitor keeps a bounded FIFO of metrics per operation.
type PerformanceMonitor struct {
	window int
	clock  Clock

	mu      sync.Mutex
	metrics map[string][]PerformanceMetric
}

// NewPerformanceMonitor keeps up to window metrics per operation.
func NewPerformanceMonitor(window int, opts ...Option) *PerformanceMonitor {
	if window <= 0 {
		window = DefaultMonitorWindow
	}
	o := buildOptions(opts)
	return &PerformanceMonitor{
		window:  window,
		clock:   o.clock,
		metrics: make(map[string][]PerformanceMetric),
	}
}

// MeasureOperation runs op, records its duration and outcome, and returns op's error.
func (m *PerformanceMonitor) MeasureOperation(ctx context.Context, name string, op func(context.Context) error) error {
	start := m.clock.Now()
	err := op(ctx)
	end := m.clock.Now()

	metric := PerformanceMetric{
		Operation: name,
		Duration:  end.Sub(start),
		Success:   err == nil,
		Timestamp: end,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	m.Record(metric)
	return err
}

// Record appends a metric, evicting the oldest beyond the window.
func (m *PerformanceMonitor) Record(metric PerformanceMetric) {
	metrics.ObserveOperation(metric.Operation, metric.Success, metric.Duration)

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.metrics[metric.Operation], metric)
	if len(list) > m.window {
		list = list[len(list)-m.window:]
	}
	m.metrics[metric.Operation] = list
}

// Snapshot summarizes every operation, ordered by name.
func (m *PerformanceMonitor) Snapshot() []OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OperationStats, 0, len(m.metrics))
	for name, list := range m.metrics {
		out = append(out, summarize(name, list))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Stats summarizes one operation; ok is false when nothing was recorded.
func (m *PerformanceMonitor) Stats(name string) (OperationStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.metrics[name]
	if !ok {
		return OperationStats{}, false
	}
	return summarize(name, list), true
}

func summarize(name string, list []PerformanceMetric) OperationStats {
	stats := OperationStats{Operation: name, Count: len(list)}
	for _, pm := range list {
		if pm.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
	}
	stats.AverageMS = averageSuccessful(list).Milliseconds()
	return stats
}

func averageSuccessful(list []PerformanceMetric) time.Duration {
	var sum time.Duration
	var n int
	for _, pm := range list {
		if pm.Success {
			sum += pm.Duration
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}
