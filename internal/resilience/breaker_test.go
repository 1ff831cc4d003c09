package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/price-pulse/internal/faults"
)

var errBoom = errors.New("boom")

func failing(context.Context) error    { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewCircuitBreaker("coupang.com", BreakerConfig{FailureThreshold: 3, ResetTimeout: 5000 * time.Millisecond}, WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, faults.ErrCircuitOpen)
	require.False(t, called, "open breaker must not invoke the operation")

	clk.Advance(4999 * time.Millisecond)
	require.ErrorIs(t, b.Execute(ctx, succeeding), faults.ErrCircuitOpen)

	clk.Advance(time.Millisecond)
	require.NoError(t, b.Execute(ctx, succeeding))
	status := b.Status()
	require.Equal(t, StateClosed, status.State)
	require.Zero(t, status.Failures)
	require.Equal(t, int64(5000), status.ResetTimeoutMS)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewCircuitBreaker("gmarket.co.kr", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second}, WithClock(clk))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	clk.Advance(time.Second)
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 3, b.Status().Failures)
	require.Equal(t, clk.Now(), b.Status().LastFailure)

	require.ErrorIs(t, b.Execute(ctx, succeeding), faults.ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("amazon.com", BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	require.Zero(t, b.Status().Failures)

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("defaults", BreakerConfig{})
	status := b.Status()
	require.Equal(t, StateClosed, status.State)
	require.Equal(t, DefaultResetTimeout.Milliseconds(), status.ResetTimeoutMS)

	ctx := context.Background()
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.Error(t, b.Execute(ctx, failing))
	}
	require.Equal(t, StateClosed, b.State())
	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenTrialLimit(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewCircuitBreaker("limited", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1}, WithClock(clk))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	clk.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.Equal(t, StateHalfOpen, b.State())
	require.ErrorIs(t, b.Execute(ctx, succeeding), faults.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeeding))
}

func TestBreakerUnlimitedHalfOpenByDefault(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewCircuitBreaker("unlimited", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, WithClock(clk))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	clk.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.NoError(t, b.Execute(ctx, succeeding))
	close(release)
	require.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "CLOSED", StateClosed.String())
	require.Equal(t, "OPEN", StateOpen.String())
	require.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	require.Equal(t, "State(9)", State(9).String())

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "HALF_OPEN", string(text))
}

func TestBreakerRegistry(t *testing.T) {
	t.Parallel()
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1})

	a := reg.Get("b.example")
	require.Same(t, a, reg.Get("b.example"))
	reg.Get("a.example")

	require.Error(t, a.Execute(context.Background(), failing))

	statuses := reg.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "a.example", statuses[0].Name)
	require.Equal(t, StateClosed, statuses[0].State)
	require.Equal(t, "b.example", statuses[1].Name)
	require.Equal(t, StateOpen, statuses[1].State)
}

func TestBreakerPanicFreesTrialSlot(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewCircuitBreaker("panicky", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1}, WithClock(clk))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	clk.Advance(time.Second)

	require.PanicsWithValue(t, "parser exploded", func() {
		_ = b.Execute(ctx, func(context.Context) error { panic("parser exploded") })
	})
	require.Equal(t, StateOpen, b.State(), "a panicking trial reopens the breaker")
	require.Equal(t, 2, b.Status().Failures)

	clk.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeeding), "the trial slot is free again")
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresErrorsRejectedByIsFailure(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("www.coupang.com", BreakerConfig{FailureThreshold: 2, IsFailure: faults.IsRetryable})
	ctx := context.Background()
	denied := faults.New(faults.KindPermission, "https://www.coupang.com/search", "URL not allowed by robots.txt")

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return denied }), faults.ErrPermission)
	}
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Status().Failures)

	unreachable := faults.New(faults.KindNetwork, "https://www.coupang.com/vp/products/1", "connection reset")
	require.Error(t, b.Execute(ctx, func(context.Context) error { return unreachable }))
	require.Error(t, b.Execute(ctx, func(context.Context) error { return unreachable }))
	require.Equal(t, StateOpen, b.State())
}
