// Package pricewatch runs price sweeps: every configured product page is crawled through the
// resilience layer, its price extracted, persisted, cached and linked into the price graph.
package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/extract"
	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
	"github.com/JakeFAU/price-pulse/internal/pricegraph"
	"github.com/JakeFAU/price-pulse/internal/resilience"
)

// Crawler fetches a page through robots, rate limiting and retries.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string, opts crawler.CrawlOptions) (crawler.Result, error)
}

// Graph is the subset of the price graph a sweep writes to.
type Graph interface {
	CreateNode(ctx context.Context, ref pricegraph.Ref, props map[string]any) (pricegraph.Node, error)
	CreateRelationship(
		ctx context.Context,
		src pricegraph.Ref,
		relType string,
		dst pricegraph.Ref,
		strength float64,
		props map[string]any,
	) (pricegraph.Relationship, error)
	UpdateStrength(ctx context.Context, id string, strength float64) (pricegraph.Relationship, error)
}

// Config holds the sweep settings.
type Config struct {
	Targets      []Target
	LockKey      string
	LockTTL      time.Duration
	CacheTTL     time.Duration
	KRWPerUSD    float64
	DisparityTTL time.Duration
}

// Deps are the collaborators a Service composes. Runs, Graph and Store are optional; without
// a Store disparities are computed but not cached.
type Deps struct {
	Crawler      Crawler
	Breakers     *resilience.BreakerRegistry
	Monitor      *resilience.PerformanceMonitor
	Lock         *resilience.DistributedLock
	Degradation  *resilience.Degradation
	Observations ObservationStore
	Runs         RunStore
	Graph        Graph
	Store        kvstore.Store
	IDs          IDGenerator
	Hasher       Hasher
	Clock        Clock
	Logger       *zap.Logger
}

// Service runs sweeps and serves the latest observations.
type Service struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// NewService validates the dependencies and builds a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Crawler == nil:
		return nil, errors.New("pricewatch: crawler is required")
	case deps.Breakers == nil, deps.Monitor == nil, deps.Lock == nil, deps.Degradation == nil:
		return nil, errors.New("pricewatch: resilience components are required")
	case deps.Observations == nil:
		return nil, errors.New("pricewatch: observation store is required")
	case deps.IDs == nil, deps.Hasher == nil, deps.Clock == nil:
		return nil, errors.New("pricewatch: id generator, hasher and clock are required")
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "price-sweep"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.KRWPerUSD <= 0 {
		cfg.KRWPerUSD = DefaultKRWPerUSD
	}
	if cfg.DisparityTTL <= 0 {
		cfg.DisparityTTL = 24 * time.Hour
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}, nil
}

// Targets returns a copy of the configured targets.
func (s *Service) Targets() []Target {
	out := make([]Target, len(s.cfg.Targets))
	copy(out, s.cfg.Targets)
	return out
}

// RunLocked runs a sweep while holding the sweep lock. When another process holds the lock
// it returns a LockAcquisition error without crawling anything.
func (s *Service) RunLocked(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	err := s.deps.Lock.WithLock(ctx, s.cfg.LockKey, s.cfg.LockTTL, func(ctx context.Context) error {
		var sweepErr error
		report, sweepErr = s.Sweep(ctx)
		return sweepErr
	})
	return report, err
}

// Sweep crawls every target in order. Individual target failures are recorded in the report;
// the returned error is non-nil only when the sweep itself could not run to completion.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return SweepReport{}, fmt.Errorf("generate sweep id: %w", err)
	}
	report := SweepReport{ID: id, Status: RunRunning, StartedAt: s.deps.Clock.Now()}
	log := s.log.With(zap.String("sweep_id", id))
	log.Info("sweep started", zap.Int("targets", len(s.cfg.Targets)))

	if s.deps.Runs != nil {
		if err := s.deps.Runs.StartRun(ctx, id, report.StartedAt); err != nil {
			log.Warn("record sweep start failed", zap.Error(err))
		}
	}

	var sweepErr error
	for _, target := range s.cfg.Targets {
		if err := ctx.Err(); err != nil {
			sweepErr = err
			break
		}
		outcome := s.observe(ctx, id, target)
		if outcome.Observation != nil {
			report.Succeeded++
		} else {
			report.Failed++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	report.FinishedAt = s.deps.Clock.Now()
	report.Status = sweepStatus(report, sweepErr)
	report.Disparities = s.analyze(context.WithoutCancel(ctx), report)
	metrics.ObserveSweep(string(report.Status))

	if s.deps.Runs != nil {
		if err := s.deps.Runs.CompleteRun(context.WithoutCancel(ctx), report); err != nil {
			log.Warn("record sweep completion failed", zap.Error(err))
		}
	}
	log.Info("sweep finished",
		zap.String("status", string(report.Status)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("disparities", len(report.Disparities)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, sweepErr
}

func sweepStatus(r SweepReport, err error) RunStatus {
	switch {
	case err != nil && r.Succeeded == 0:
		return RunFailed
	case err != nil:
		return RunPartial
	case r.Failed == 0:
		return RunSucceeded
	case r.Succeeded == 0:
		return RunFailed
	default:
		return RunPartial
	}
}

func (s *Service) observe(ctx context.Context, sweepID string, target Target) TargetOutcome {
	outcome := TargetOutcome{Product: target.Product, Market: target.Market, URL: target.URL}
	log := s.log.With(
		zap.String("sweep_id", sweepID),
		zap.String("product", target.Product),
		zap.String("market", target.Market),
	)

	obs, err := s.fetchObservation(ctx, sweepID, target)
	if err == nil {
		err = s.deps.Observations.InsertObservation(ctx, obs)
		if err != nil {
			err = fmt.Errorf("persist observation: %w", err)
		}
	}
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorKind = faults.KindOf(err).String()
		metrics.ObserveObservation(target.Market, "failure")
		log.Warn("observation failed", zap.String("kind", outcome.ErrorKind), zap.Error(err))
		return outcome
	}

	s.deps.Degradation.Refresh(ctx, LatestKey(obs.Product, obs.Market), obs, s.cfg.CacheTTL)
	s.link(ctx, obs)
	metrics.ObserveObservation(target.Market, "success")
	log.Info("price observed",
		zap.Float64("price", obs.Price),
		zap.String("currency", obs.Currency),
		zap.Duration("duration", obs.Duration),
	)
	outcome.Observation = &obs
	return outcome
}

// crawl fetches rawURL through the host's circuit breaker and the performance monitor.
func (s *Service) crawl(ctx context.Context, rawURL string) (crawler.Result, error) {
	host := resilience.HostOf(rawURL)
	breaker := s.deps.Breakers.Get(host)

	var res crawler.Result
	err := s.deps.Monitor.MeasureOperation(ctx, "crawl:"+host, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			var crawlErr error
			res, crawlErr = s.deps.Crawler.Crawl(ctx, rawURL, crawler.CrawlOptions{})
			return crawlErr
		})
	})
	return res, err
}

// Inspect crawls a single page outside any sweep and extracts its price when it carries
// one. Nothing is persisted.
func (s *Service) Inspect(ctx context.Context, rawURL, selector string) (crawler.Result, *extract.Price, error) {
	if strings.TrimSpace(rawURL) == "" {
		return crawler.Result{}, nil, faults.Validation("url", "must not be empty")
	}
	res, err := s.crawl(ctx, rawURL)
	if err != nil {
		return crawler.Result{}, nil, err
	}
	price, err := extract.FromHTML(res.Body, selector, "")
	if err != nil {
		s.log.Debug("no price on page", zap.String("url", rawURL), zap.Error(err))
		return res, nil, nil
	}
	return res, &price, nil
}

func (s *Service) fetchObservation(ctx context.Context, sweepID string, target Target) (Observation, error) {
	res, err := s.crawl(ctx, target.URL)
	if err != nil {
		return Observation{}, err
	}

	price, err := extract.FromHTML(res.Body, target.Selector, currencyFor(target))
	if err != nil {
		return Observation{}, err
	}
	digest, err := s.deps.Hasher.Hash(res.Body)
	if err != nil {
		return Observation{}, fmt.Errorf("hash body: %w", err)
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return Observation{}, fmt.Errorf("generate observation id: %w", err)
	}
	return Observation{
		ID:          id,
		SweepID:     sweepID,
		Product:     target.Product,
		Market:      target.Market,
		URL:         res.URL,
		Price:       price.Amount,
		Currency:    price.Currency,
		RawPrice:    price.Raw,
		StatusCode:  res.StatusCode,
		ContentHash: digest,
		Duration:    res.Duration,
		FetchedAt:   s.deps.Clock.Now(),
	}, nil
}

// link records the product, its market and its retailer in the graph. Failures are logged.
func (s *Service) link(ctx context.Context, obs Observation) {
	if s.deps.Graph == nil {
		return
	}
	product := pricegraph.Ref{Type: pricegraph.NodeProduct, ID: obs.Product}
	market := pricegraph.Ref{Type: pricegraph.NodeMarket, ID: obs.Market}
	retailer := pricegraph.Ref{Type: pricegraph.NodeRetailer, ID: resilience.HostOf(obs.URL)}

	steps := []func() error{
		func() error {
			_, err := s.deps.Graph.CreateNode(ctx, product, map[string]any{"name": obs.Product})
			return err
		},
		func() error {
			_, err := s.deps.Graph.CreateNode(ctx, market, nil)
			return err
		},
		func() error {
			_, err := s.deps.Graph.CreateNode(ctx, retailer, map[string]any{"market": obs.Market})
			return err
		},
		func() error {
			_, err := s.deps.Graph.CreateRelationship(ctx, product, pricegraph.RelAvailableIn, market, 0,
				map[string]any{"price": obs.Price, "currency": obs.Currency, "observationId": obs.ID})
			return err
		},
		func() error {
			_, err := s.deps.Graph.CreateRelationship(ctx, product, pricegraph.RelSoldBy, retailer, 0,
				map[string]any{"url": obs.URL})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			s.log.Warn("price graph update failed", zap.String("product", obs.Product), zap.Error(err))
			return
		}
	}
}

// Latest returns the most recent observation for product in market, cache first.
func (s *Service) Latest(ctx context.Context, product, market string) (Observation, error) {
	if strings.TrimSpace(product) == "" {
		return Observation{}, faults.Validation("product", "must not be empty")
	}
	market = strings.ToUpper(market)
	if market != MarketKR && market != MarketUS {
		return Observation{}, faults.Validation("market", "must be KR or US")
	}
	return resilience.GetCachedData(ctx, s.deps.Degradation, LatestKey(product, market), s.cfg.CacheTTL,
		func(ctx context.Context) (Observation, error) {
			return s.deps.Observations.LatestObservation(ctx, product, market)
		})
}

// LatestKey is the cache key of a product's latest observation in a market.
func LatestKey(product, market string) string {
	return "latest:" + product + ":" + market
}

func currencyFor(t Target) string {
	if t.Currency != "" {
		return t.Currency
	}
	if t.Market == MarketKR {
		return "KRW"
	}
	return "USD"
}
