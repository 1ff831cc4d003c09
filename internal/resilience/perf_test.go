package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAverageResponseTimeIgnoresFailures(t *testing.T) {
	t.Parallel()
	m := NewPerformanceMonitor(0)

	m.Record(PerformanceMetric{Operation: "crawl", Duration: time.Second, Success: false, Error: "x"})
	stats, ok := m.Stats("crawl")
	require.True(t, ok)
	require.Zero(t, stats.AverageMS, "only failures means zero")

	m.Record(PerformanceMetric{Operation: "crawl", Duration: 100 * time.Millisecond, Success: true})
	m.Record(PerformanceMetric{Operation: "crawl", Duration: 300 * time.Millisecond, Success: true})
	stats, _ = m.Stats("crawl")
	require.Equal(t, int64(200), stats.AverageMS)
}

func TestMeasureOperation(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m := NewPerformanceMonitor(0, WithClock(clk))
	ctx := context.Background()

	require.NoError(t, m.MeasureOperation(ctx, "extract", func(context.Context) error {
		clk.Advance(250 * time.Millisecond)
		return nil
	}))

	opErr := errors.New("no price element")
	err := m.MeasureOperation(ctx, "extract", func(context.Context) error {
		clk.Advance(time.Second)
		return opErr
	})
	require.ErrorIs(t, err, opErr)

	stats, ok := m.Stats("extract")
	require.True(t, ok)
	require.Equal(t, OperationStats{Operation: "extract", Count: 2, Successes: 1, Failures: 1, AverageMS: 250}, stats)
}

func TestMonitorWindowEvictsOldest(t *testing.T) {
	t.Parallel()
	m := NewPerformanceMonitor(3)
	for i := 1; i <= 5; i++ {
		m.Record(PerformanceMetric{Operation: "op", Duration: time.Duration(i) * time.Millisecond, Success: true})
	}
	stats, ok := m.Stats("op")
	require.True(t, ok)
	require.Equal(t, 3, stats.Count)
	require.Equal(t, int64(4), stats.AverageMS, "1ms and 2ms were evicted")
}

func TestMonitorSnapshot(t *testing.T) {
	t.Parallel()
	m := NewPerformanceMonitor(0)
	m.Record(PerformanceMetric{Operation: "sweep", Duration: 2 * time.Second, Success: true})
	m.Record(PerformanceMetric{Operation: "crawl", Duration: 40 * time.Millisecond, Success: true})
	m.Record(PerformanceMetric{Operation: "crawl", Duration: 10 * time.Millisecond, Success: false})

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, OperationStats{Operation: "crawl", Count: 2, Successes: 1, Failures: 1, AverageMS: 40}, snap[0])
	require.Equal(t, "sweep", snap[1].Operation)

	stats, ok := m.Stats("sweep")
	require.True(t, ok)
	require.Equal(t, int64(2000), stats.AverageMS)

	_, ok = m.Stats("missing")
	require.False(t, ok)
}
