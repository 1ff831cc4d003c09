package cmd

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/extract"
	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/health"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

type mockApp struct {
	mu      sync.Mutex
	closed  int
	ran     int
	crawled string
	price   *extract.Price
	crawl   error
	report  pricewatch.SweepReport
	sweep   error
	health  health.Report
}

func (m *mockApp) Run(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran++
	return nil
}

func (m *mockApp) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockApp) Logger() *zap.Logger { return zap.NewNop() }

func (m *mockApp) Crawl(_ context.Context, rawURL, _ string) (crawler.Result, *extract.Price, error) {
	m.crawled = rawURL
	if m.crawl != nil {
		return crawler.Result{}, nil, m.crawl
	}
	return crawler.Result{
		FetchResponse: crawler.FetchResponse{URL: rawURL, StatusCode: 200, Body: []byte("<html></html>")},
		Attempts:      1,
	}, m.price, nil
}

func (m *mockApp) Sweep(context.Context) (pricewatch.SweepReport, error) { return m.report, m.sweep }

func (m *mockApp) CheckHealth(context.Context) health.Report { return m.health }

// execute swaps the app factory; tests using it must not run in parallel.
func execute(t *testing.T, app *mockApp, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (App, error) { return app, nil }

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommandPrintsPrice(t *testing.T) {
	app := &mockApp{price: &extract.Price{Amount: 799.99, Currency: "USD", Raw: "$799.99"}}
	out, err := execute(t, app, "crawl", "https://www.bestbuy.com/site/galaxy-s24")
	require.NoError(t, err)
	require.Equal(t, "https://www.bestbuy.com/site/galaxy-s24", app.crawled)
	require.Contains(t, out, "status:   200")
	require.Contains(t, out, "799.99 USD")
	require.Equal(t, 1, app.closed)
}

func TestCrawlCommandReportsRetryAfter(t *testing.T) {
	app := &mockApp{crawl: faults.RateLimited("rate_limit:www.bestbuy.com", 42*time.Second)}
	_, err := execute(t, app, "crawl", "https://www.bestbuy.com/site/galaxy-s24")
	require.ErrorIs(t, err, faults.ErrRateLimit)
	require.ErrorContains(t, err, "rate limited, retry in 42s")
	require.Equal(t, 1, app.closed)
}

func TestCrawlCommandRequiresURL(t *testing.T) {
	_, err := execute(t, &mockApp{}, "crawl")
	require.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	app := &mockApp{report: pricewatch.SweepReport{ID: "sweep-1", Status: pricewatch.RunPartial, Succeeded: 1, Failed: 1}}
	out, err := execute(t, app, "sweep")
	require.NoError(t, err)
	require.Contains(t, out, `"sweep-1"`)

	require.Equal(t, 1, app.closed)

	app = &mockApp{report: pricewatch.SweepReport{ID: "sweep-2", Status: pricewatch.RunFailed}}
	_, err = execute(t, app, "sweep")
	require.ErrorContains(t, err, "failed for every target")
	require.Equal(t, 1, app.closed)

	app = &mockApp{sweep: faults.New(faults.KindLockAcquisition, "lock", "held")}
	_, err = execute(t, app, "sweep")
	require.ErrorContains(t, err, "could not acquire sweep lock")
	require.ErrorIs(t, err, faults.ErrLockAcquisition)
	require.Equal(t, 1, app.closed)

	app = &mockApp{sweep: errors.New("redis down")}
	_, err = execute(t, app, "sweep")
	require.ErrorContains(t, err, "redis down")
	require.Equal(t, 1, app.closed)
}

func TestHealthCommand(t *testing.T) {
	out, err := execute(t, &mockApp{health: health.Report{Healthy: true}}, "health")
	require.NoError(t, err)
	require.Contains(t, out, `"healthy": true`)

	app := &mockApp{health: health.Report{}}
	_, err = execute(t, app, "health")
	require.EqualError(t, err, "system unhealthy")
	require.Equal(t, 1, app.closed)
}

func TestServeCommandLeavesCloseToRun(t *testing.T) {
	app := &mockApp{}
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.Equal(t, 1, app.ran)
	require.Zero(t, app.closed)
}

func TestAppFactoryFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("redis addr is required") }

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"health"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
}
