package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/metrics"
	"github.com/JakeFAU/price-pulse/internal/resilience"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultPolitenessDelay = time.Second
)

// BaseCrawler fetches single pages politely.
type BaseCrawler struct {
	cfg      Config
	fetcher  Fetcher
	robots   RobotsPolicy
	limiter  RateLimiter
	timeouts *resilience.AdaptiveTimeout
	pauser   pauseController
	blocker  *domainBlocker
	logger   *zap.Logger
}

// Option customizes a BaseCrawler.
type Option func(*BaseCrawler)

// WithRobots sets the robots.txt policy. Without one every URL is allowed.
func WithRobots(p RobotsPolicy) Option {
	return func(c *BaseCrawler) { c.robots = p }
}

// WithRateLimiter sets the per-host limiter.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *BaseCrawler) { c.limiter = l }
}

// WithAdaptiveTimeout shares an AdaptiveTimeout with other components.
func WithAdaptiveTimeout(at *resilience.AdaptiveTimeout) Option {
	return func(c *BaseCrawler) { c.timeouts = at }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *BaseCrawler) { c.logger = l }
}

func withPauser(p pauseController) Option {
	return func(c *BaseCrawler) { c.pauser = p }
}

// New builds a BaseCrawler around fetcher.
func New(cfg Config, fetcher Fetcher, opts ...Option) *BaseCrawler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PolitenessDelay < 0 {
		cfg.PolitenessDelay = 0
	}
	c := &BaseCrawler{
		cfg:     cfg,
		fetcher: fetcher,
		robots:  allowAllPolicy{},
		pauser:  &timerPauseController{},
		blocker: newDomainBlocker(cfg.ForbiddenThreshold),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeouts == nil {
		c.timeouts = resilience.NewAdaptiveTimeout(resilience.DefaultHistorySize, resilience.WithLogger(c.logger))
	}
	return c
}

// Crawl fetches rawURL. It refuses URLs disallowed by robots.txt with a Permission error
// before any request to the target, waits on the rate limiter, then makes up to MaxRetries
// attempts. Only a 200 with a non-empty body succeeds. After the last failed attempt its
// error is returned.
func (c *BaseCrawler) Crawl(ctx context.Context, rawURL string, opts CrawlOptions) (Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Result{}, faults.Validation("url", fmt.Sprintf("not an absolute http(s) URL: %q", rawURL))
	}
	host := resilience.HostOf(rawURL)
	logger := c.logger.With(zap.String("url", rawURL))

	if c.blocker.IsBlocked(host) {
		return Result{}, faults.New(faults.KindPermission, rawURL, "host blocked after repeated 403 responses")
	}
	if !c.robots.Allowed(ctx, rawURL) {
		metrics.ObserveRobotsDenied(rawURL)
		logger.Warn("url disallowed by robots.txt")
		return Result{}, faults.New(faults.KindPermission, rawURL, "URL not allowed by robots.txt")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rawURL); err != nil {
			logger.Warn("rate limit exceeded", zap.Error(err))
			return Result{}, err
		}
	}

	attempts := c.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		attempts = opts.MaxRetries
	}
	base := c.cfg.RequestTimeout
	if opts.BaseTimeout > 0 {
		base = opts.BaseTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Debug("fetching", zap.Int("attempt", attempt))
		resp, err := c.attempt(ctx, rawURL, base, opts.Headers)
		if err == nil {
			c.timeouts.RecordResponseTime(host, resp.Duration)
			metrics.ObserveCrawl(rawURL, "success", len(resp.Body))
			logger.Info("fetched", zap.Int("attempt", attempt), zap.Duration("duration", resp.Duration))
			// The fetch already succeeded; a cancelled pause only shortens the delay.
			if err := c.pauser.Pause(ctx, c.cfg.PolitenessDelay); err != nil {
				logger.Debug("politeness delay cut short", zap.Error(err))
			}
			return Result{FetchResponse: resp, Attempts: attempt}, nil
		}

		lastErr = err
		metrics.ObserveCrawl(rawURL, "error", 0)
		logger.Warn("fetch attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil || !faults.IsRetryable(err) {
			return Result{}, err
		}
		if attempt < attempts {
			delay := c.Backoff(attempt)
			metrics.ObserveRetry(rawURL)
			logger.Info("retrying", zap.Duration("backoff", delay))
			if err := c.pauser.Pause(ctx, delay); err != nil {
				return Result{}, errors.Join(lastErr, err)
			}
		}
	}
	return Result{}, lastErr
}

// Backoff returns the wait after the given failed attempt (1-based): 2^attempt × BackoffBase.
func (c *BaseCrawler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.cfg.BackoffBase * time.Duration(1<<min(attempt, 16))
}

func (c *BaseCrawler) attempt(ctx context.Context, rawURL string, base time.Duration, headers http.Header) (FetchResponse, error) {
	var resp FetchResponse
	err := c.timeouts.WithTimeout(ctx, rawURL, base, func(ctx context.Context) error {
		r, err := c.fetcher.Fetch(ctx, FetchRequest{URL: rawURL, UserAgent: c.cfg.UserAgent, Headers: headers})
		if err != nil {
			if faults.KindOf(err) != faults.KindUnknown {
				return err
			}
			return faults.Wrap(faults.KindNetwork, rawURL, err)
		}
		if r.StatusCode == http.StatusForbidden && c.blocker.MarkForbidden(resilience.HostOf(rawURL)) {
			return faults.New(faults.KindPermission, rawURL, "host blocked after repeated 403 responses")
		}
		if r.StatusCode != http.StatusOK || len(r.Body) == 0 {
			return faults.New(faults.KindCrawler, rawURL, fmt.Sprintf("invalid response: status %d, %d bytes", r.StatusCode, len(r.Body)))
		}
		resp = r
		return nil
	})
	if err != nil {
		return FetchResponse{}, err
	}
	return resp, nil
}
