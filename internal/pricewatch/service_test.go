package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/hash/sha256"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/pricegraph"
	"github.com/JakeFAU/price-pulse/internal/resilience"
)

const (
	galaxyKR = "https://www.coupang.com/vp/products/100"
	galaxyUS = "https://www.bestbuy.com/site/galaxy-s24"
)

type stubCrawler struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls map[string]int
}

func newStubCrawler() *stubCrawler {
	return &stubCrawler{pages: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *stubCrawler) Crawl(_ context.Context, rawURL string, _ crawler.CrawlOptions) (crawler.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rawURL]++
	if err := s.errs[rawURL]; err != nil {
		return crawler.Result{}, err
	}
	return crawler.Result{
		FetchResponse: crawler.FetchResponse{
			URL:        rawURL,
			StatusCode: 200,
			Body:       []byte(s.pages[rawURL]),
			Duration:   80 * time.Millisecond,
		},
		Attempts: 1,
	}, nil
}

func (s *stubCrawler) Calls(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[rawURL]
}

type memoryObservations struct {
	mu      sync.Mutex
	stored  []Observation
	err     error
	readErr error
	reads   int
}

func (m *memoryObservations) InsertObservation(_ context.Context, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.stored = append(m.stored, obs)
	return nil
}

func (m *memoryObservations) LatestObservation(_ context.Context, product, market string) (Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return Observation{}, m.readErr
	}
	for i := len(m.stored) - 1; i >= 0; i-- {
		if m.stored[i].Product == product && m.stored[i].Market == market {
			return m.stored[i], nil
		}
	}
	return Observation{}, ErrNoObservation
}

type memoryRuns struct {
	mu        sync.Mutex
	started   []string
	completed []SweepReport
}

func (m *memoryRuns) StartRun(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, id)
	return nil
}

func (m *memoryRuns) CompleteRun(_ context.Context, report SweepReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, report)
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

func (s *seqIDs) NewToken() (string, error) { return s.NewID() }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	svc     *Service
	crawler *stubCrawler
	obs     *memoryObservations
	runs    *memoryRuns
	store   kvstore.Store
	graph   *pricegraph.Graph
	lock    *resilience.DistributedLock
}

func newFixture(t *testing.T, threshold int, targets ...Target) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kvstore.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	ids := &seqIDs{}
	f := &fixture{
		crawler: newStubCrawler(),
		obs:     &memoryObservations{},
		runs:    &memoryRuns{},
		store:   store,
		graph:   pricegraph.New(store, nil),
		lock:    resilience.NewDistributedLock(store, ids),
	}
	svc, err := NewService(Config{Targets: targets, LockKey: "sweep", LockTTL: time.Minute, CacheTTL: time.Hour}, Deps{
		Crawler: f.crawler,
		Breakers: resilience.NewBreakerRegistry(resilience.BreakerConfig{
			FailureThreshold: threshold,
			ResetTimeout:     time.Hour,
			IsFailure:        faults.IsRetryable,
		}),
		Monitor:      resilience.NewPerformanceMonitor(0),
		Lock:         f.lock,
		Degradation:  resilience.NewDegradation(store),
		Observations: f.obs,
		Runs:         f.runs,
		Graph:        f.graph,
		Store:        store,
		IDs:          ids,
		Hasher:       sha256.New(),
		Clock:        fixedClock{now: time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func galaxyTargets() []Target {
	return []Target{
		{Product: "galaxy-s24", Category: "phones", Market: MarketKR, URL: galaxyKR, Selector: ".total-price"},
		{Product: "galaxy-s24", Category: "phones", Market: MarketUS, URL: galaxyUS, Selector: ".price"},
	}
}

func TestSweepRecordsSuccessesAndFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,250,000</span>`
	f.crawler.errs[galaxyUS] = faults.New(faults.KindCrawler, "crawl", "unexpected status 503")

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunPartial, report.Status)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Outcomes, 2)

	kr := report.Outcomes[0].Observation
	require.NotNil(t, kr)
	require.Equal(t, 1250000.0, kr.Price)
	require.Equal(t, "KRW", kr.Currency)
	require.Equal(t, report.ID, kr.SweepID)
	require.Len(t, kr.ContentHash, 64)
	require.Equal(t, "crawler", report.Outcomes[1].ErrorKind)

	require.Len(t, f.obs.stored, 1)
	require.Equal(t, []string{report.ID}, f.runs.started)
	require.Len(t, f.runs.completed, 1)
	require.Equal(t, RunPartial, f.runs.completed[0].Status)

	cached, err := f.store.Get(context.Background(), LatestKey("galaxy-s24", MarketKR))
	require.NoError(t, err)
	require.Contains(t, cached, kr.ID)

	rels, err := f.graph.GetRelationships(context.Background(),
		pricegraph.Ref{Type: pricegraph.NodeProduct, ID: "galaxy-s24"}, pricegraph.Outgoing, "")
	require.NoError(t, err)
	require.Len(t, rels, 2)
}

func TestSweepAllFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()[:1]...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">Sold out</span>`

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunFailed, report.Status)
	require.Equal(t, "validation", report.Outcomes[0].ErrorKind)
	require.Empty(t, f.obs.stored)
}

func TestSweepPersistFailureFailsTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()[:1]...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,250,000</span>`
	f.obs.err = errors.New("connection refused")

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunFailed, report.Status)
	require.Contains(t, report.Outcomes[0].Error, "persist observation")
}

func TestSweepBreakerOpensAcrossSweeps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, galaxyTargets()[1:]...)
	f.crawler.errs[galaxyUS] = faults.New(faults.KindNetwork, "fetch", "connection reset")

	_, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)

	require.Equal(t, "circuit_open", report.Outcomes[0].ErrorKind)
	require.Equal(t, 1, f.crawler.Calls(galaxyUS))
}

func TestSweepBreakerIgnoresNonRetryableFailures(t *testing.T) {
	t.Parallel()
	targets := []Target{
		{Product: "galaxy-s24", Market: MarketUS, URL: "https://www.bestbuy.com/a", Selector: ".price"},
		{Product: "galaxy-s24", Market: MarketUS, URL: "https://www.bestbuy.com/b", Selector: ".price"},
		{Product: "galaxy-s24", Market: MarketUS, URL: "https://www.bestbuy.com/c", Selector: ".price"},
		{Product: "galaxy-s24", Market: MarketUS, URL: galaxyUS, Selector: ".price"},
	}
	f := newFixture(t, 3, targets...)
	for _, target := range targets[:3] {
		f.crawler.errs[target.URL] = faults.New(faults.KindPermission, "crawl", "blocked by robots.txt")
	}
	f.crawler.pages[galaxyUS] = `<span class="price">$799.99</span>`

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	for _, outcome := range report.Outcomes[:3] {
		require.Equal(t, "permission", outcome.ErrorKind)
	}
	require.NotNil(t, report.Outcomes[3].Observation)
	require.Equal(t, 1, f.crawler.Calls(galaxyUS))
	require.Equal(t, resilience.StateClosed, f.svc.deps.Breakers.Get("www.bestbuy.com").Status().State)
}

func TestSweepStopsOnCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.svc.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RunFailed, report.Status)
	require.Empty(t, report.Outcomes)
	require.Len(t, f.runs.completed, 1)
}

func TestRunLockedRejectsConcurrentSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	ctx := context.Background()

	token, ok := f.lock.Acquire(ctx, "sweep", time.Minute)
	require.True(t, ok)

	_, err := f.svc.RunLocked(ctx)
	require.ErrorIs(t, err, faults.ErrLockAcquisition)
	require.Zero(t, f.crawler.Calls(galaxyKR))

	require.True(t, f.lock.Release(ctx, "sweep", token))
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,250,000</span>`
	f.crawler.pages[galaxyUS] = `<span class="price">$799.99</span>`
	report, err := f.svc.RunLocked(ctx)
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, report.Status)
}

func TestLatestServesCacheThenStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()[1:]...)
	f.crawler.pages[galaxyUS] = `<span class="price">$799.99</span>`
	ctx := context.Background()

	_, err := f.svc.Sweep(ctx)
	require.NoError(t, err)

	got, err := f.svc.Latest(ctx, "galaxy-s24", "us")
	require.NoError(t, err)
	require.InDelta(t, 799.99, got.Price, 1e-9)
	require.Zero(t, f.obs.reads)

	_, err = f.store.Del(ctx, LatestKey("galaxy-s24", MarketUS))
	require.NoError(t, err)
	got, err = f.svc.Latest(ctx, "galaxy-s24", MarketUS)
	require.NoError(t, err)
	require.Equal(t, "USD", got.Currency)
	require.Equal(t, 1, f.obs.reads)

	_, err = f.svc.Latest(ctx, "iphone-15", MarketKR)
	require.ErrorIs(t, err, ErrNoObservation)

	_, err = f.svc.Latest(ctx, "galaxy-s24", "JP")
	require.ErrorIs(t, err, faults.ErrValidation)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := NewService(Config{}, Deps{})
	require.Error(t, err)
}

func TestInspect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.crawler.pages[galaxyUS] = `<span class="price">$799.99</span>`
	ctx := context.Background()

	res, price, err := f.svc.Inspect(ctx, galaxyUS, ".price")
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.NotNil(t, price)
	require.InDelta(t, 799.99, price.Amount, 1e-9)
	require.Empty(t, f.obs.stored)

	f.crawler.pages[galaxyKR] = `<p>no price here</p>`
	_, price, err = f.svc.Inspect(ctx, galaxyKR, "")
	require.NoError(t, err)
	require.Nil(t, price)

	_, _, err = f.svc.Inspect(ctx, " ", "")
	require.ErrorIs(t, err, faults.ErrValidation)

	f.crawler.errs[galaxyUS] = faults.RateLimited("crawl", 30*time.Second)
	_, _, err = f.svc.Inspect(ctx, galaxyUS, ".price")
	require.ErrorIs(t, err, faults.ErrRateLimit)
	retryAfter, ok := faults.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, retryAfter)
}
