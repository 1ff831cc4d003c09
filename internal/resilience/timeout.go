package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

// DefaultHistorySize is the number of latencies kept per host.
const DefaultHistorySize = 10

// DefaultHost keys latencies for URLs without a parsable host.
const DefaultHost = "default"

// AdaptiveTimeout derives per-host deadlines from recent response times.
type AdaptiveTimeout struct {
	size   int
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	history map[string][]time.Duration
}

// NewAdaptiveTimeout keeps up to historySize latencies per host.
func NewAdaptiveTimeout(historySize int, opts ...Option) *AdaptiveTimeout {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	o := buildOptions(opts)
	return &AdaptiveTimeout{
		size:    historySize,
		clock:   o.clock,
		logger:  o.logger,
		history: make(map[string][]time.Duration),
	}
}

// HostOf returns the lowercase host of rawURL, or DefaultHost when there is none.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return DefaultHost
	}
	return strings.ToLower(u.Hostname())
}

// Timeout returns max(base, 2 × mean of the host's history), or base without history.
func (a *AdaptiveTimeout) Timeout(host string, base time.Duration) time.Duration {
	a.mu.Lock()
	samples := a.history[host]
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	n := len(samples)
	a.mu.Unlock()

	if n == 0 {
		return base
	}
	adaptive := 2 * (sum / time.Duration(n))
	return max(base, adaptive)
}

// RecordResponseTime appends a latency for host, evicting the oldest beyond the history size.
func (a *AdaptiveTimeout) RecordResponseTime(host string, d time.Duration) {
	if host == "" {
		host = DefaultHost
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	samples := append(a.history[host], d)
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	a.history[host] = samples
}

// WithTimeout runs op under the adaptive deadline for rawURL's host. The context passed to op
// is cancelled at the deadline. An op that returns at or after the deadline yields a Timeout
// error even if it succeeded. Latency is not recorded here; see RecordResponseTime.
func (a *AdaptiveTimeout) WithTimeout(ctx context.Context, rawURL string, base time.Duration, op func(context.Context) error) error {
	host := HostOf(rawURL)
	deadline := a.Timeout(host, base)
	metrics.SetAdaptiveTimeout(host, deadline)

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := a.clock.Now()
	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	select {
	case err := <-done:
		if a.clock.Now().Sub(start) >= deadline {
			return a.timedOut(host, deadline)
		}
		if err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return a.timedOut(host, deadline)
		}
		return err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("adaptive timeout %s: %w", host, err)
		}
		return a.timedOut(host, deadline)
	}
}

func (a *AdaptiveTimeout) timedOut(host string, deadline time.Duration) error {
	metrics.ObserveTimeout(host)
	a.logger.Warn("operation exceeded adaptive timeout",
		zap.String("host", host),
		zap.Duration("timeout", deadline),
	)
	return faults.New(faults.KindTimeout, host, fmt.Sprintf("operation timed out after %dms", deadline.Milliseconds()))
}
