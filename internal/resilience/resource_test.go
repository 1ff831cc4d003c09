package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanupRunsEachResourceOnce(t *testing.T) {
	t.Parallel()
	m := NewResourceManager()
	ctx := context.Background()

	var a, b atomic.Int32
	releaseA := m.Track("a", func(context.Context) error {
		a.Add(1)
		return errors.New("a failed")
	})
	m.Track("b", func(context.Context) error {
		b.Add(1)
		return nil
	})
	m.Track("panicky", func(context.Context) error { panic("boom") })
	require.Equal(t, 3, m.Count())

	m.Cleanup(ctx)
	require.Zero(t, m.Count())
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())

	m.Cleanup(ctx)
	releaseA(ctx)
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())
}

func TestCleanupEmptyIsNoop(t *testing.T) {
	t.Parallel()
	m := NewResourceManager()
	require.NotPanics(t, func() { m.Cleanup(context.Background()) })
	require.Zero(t, m.Count())
}
