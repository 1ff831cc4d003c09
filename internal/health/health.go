// Package health aggregates the liveness checks that gate readiness: key-value store,
// process memory, disk space and outbound DNS.
package health

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

// Check names.
const (
	CheckStore   = "store"
	CheckMemory  = "memory"
	CheckDisk    = "disk"
	CheckNetwork = "network"
)

// Config holds the thresholds for each check.
type Config struct {
	StoreMaxLatency  time.Duration
	StoreMaxMemory   int64
	HeapMaxBytes     uint64
	DiskPath         string
	DiskMinFreeBytes uint64
	DNSHost          string
	DNSTimeout       time.Duration
}

// Result is the outcome of a single check.
type Result struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Report is the aggregate of every check. Healthy is true only when all checks are.
type Report struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]Result `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker runs the health checks.
type Checker struct {
	cfg      Config
	store    kvstore.Store
	resolver Resolver
	heap     func() uint64
	disk     func(path string) (uint64, error)
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(c *Checker) { c.resolver = r }
}

// WithHeapReader replaces the heap-in-use reader.
func WithHeapReader(f func() uint64) Option {
	return func(c *Checker) { c.heap = f }
}

// WithDiskReader replaces the free-space reader.
func WithDiskReader(f func(path string) (uint64, error)) Option {
	return func(c *Checker) { c.disk = f }
}

// NewChecker builds a Checker. store may be nil, which fails the store check.
func NewChecker(cfg Config, store kvstore.Store, logger *zap.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		cfg:      cfg,
		store:    store,
		resolver: net.DefaultResolver,
		heap:     heapInUse,
		disk:     availableBytes,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckSystemHealth runs every check concurrently and never caches the outcome.
func (c *Checker) CheckSystemHealth(ctx context.Context) Report {
	checks := map[string]func(context.Context) Result{
		CheckStore:   c.checkStore,
		CheckMemory:  c.checkMemory,
		CheckDisk:    c.checkDisk,
		CheckNetwork: c.checkNetwork,
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runGuarded(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := Report{Healthy: true, Checks: results, Timestamp: c.now()}
	for name, res := range results {
		metrics.SetHealthCheck(name, res.Healthy)
		if !res.Healthy {
			report.Healthy = false
			c.logger.Warn("health check failed", zap.String("check", name), zap.String("error", res.Error))
		}
	}
	return report
}

func runGuarded(ctx context.Context, check func(context.Context) Result) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Healthy: false, Error: fmt.Sprintf("check panicked: %v", rec)}
		}
	}()
	return check(ctx)
}

func (c *Checker) checkStore(ctx context.Context) Result {
	if c.store == nil {
		return Result{Error: "store not configured"}
	}
	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		return Result{Error: err.Error()}
	}
	latency := time.Since(start)
	details := map[string]any{"latencyMs": latency.Milliseconds()}
	healthy := latency < c.cfg.StoreMaxLatency

	// Not every backend reports memory; treat it as best effort.
	if used, err := c.store.MemoryUsage(ctx); err == nil {
		details["usedMemory"] = used
		healthy = healthy && used < c.cfg.StoreMaxMemory
	}

	res := Result{Healthy: healthy, Details: details}
	if !healthy {
		res.Error = "store latency or memory above threshold"
	}
	return res
}

func (c *Checker) checkMemory(context.Context) Result {
	inUse := c.heap()
	res := Result{
		Healthy: inUse < c.cfg.HeapMaxBytes,
		Details: map[string]any{"heapInUse": inUse, "limit": c.cfg.HeapMaxBytes},
	}
	if !res.Healthy {
		res.Error = "heap in use above threshold"
	}
	return res
}

func (c *Checker) checkDisk(context.Context) Result {
	free, err := c.disk(c.cfg.DiskPath)
	if err != nil {
		return Result{Error: err.Error()}
	}
	res := Result{
		Healthy: free >= c.cfg.DiskMinFreeBytes,
		Details: map[string]any{"path": c.cfg.DiskPath, "available": free},
	}
	if !res.Healthy {
		res.Error = "available disk space below threshold"
	}
	return res
}

func (c *Checker) checkNetwork(ctx context.Context) Result {
	timeout := c.cfg.DNSTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	addrs, err := c.resolver.LookupHost(lookupCtx, c.cfg.DNSHost)
	if err != nil {
		return Result{Error: fmt.Sprintf("dns lookup %s: %v", c.cfg.DNSHost, err)}
	}
	return Result{
		Healthy: true,
		Details: map[string]any{"host": c.cfg.DNSHost, "addresses": len(addrs), "latencyMs": time.Since(start).Milliseconds()},
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
