package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

const windowKeyPrefix = "rate_limit:"

// Window is a fixed-window request counter per host kept in the key-value store, so every
// process crawling a host shares one budget.
type Window struct {
	store  kvstore.Store
	limit  int64
	period time.Duration
	logger *zap.Logger
}

// NewWindow allows limit requests per host every period.
func NewWindow(store kvstore.Store, limit int, period time.Duration, logger *zap.Logger) *Window {
	if logger == nil {
		logger = zap.NewNop()
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Window{store: store, limit: int64(limit), period: period, logger: logger}
}

// Allow counts one request for host. Over the limit it returns a RateLimit error whose
// retry-after is the window's remaining lifetime. Store failures let the request through.
func (w *Window) Allow(ctx context.Context, host string) error {
	if w == nil || w.store == nil || w.limit <= 0 {
		return nil
	}
	key := windowKeyPrefix + host
	count, err := w.store.Incr(ctx, key)
	if err != nil {
		w.logger.Warn("rate limiting disabled due to store error", zap.String("host", host), zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := w.store.Expire(ctx, key, w.period); err != nil {
			w.logger.Warn("rate window expiry not set", zap.String("host", host), zap.Error(err))
		}
	}
	if count <= w.limit {
		return nil
	}

	retryAfter, err := w.store.TTL(ctx, key)
	switch {
	case err == nil && retryAfter <= 0:
		// The counter lost its expiry, usually a failed Expire on the first hit. Restart the window.
		if err := w.store.Expire(ctx, key, w.period); err != nil {
			w.logger.Warn("rate window expiry not set", zap.String("host", host), zap.Error(err))
		}
		retryAfter = w.period
	case err != nil:
		if !errors.Is(err, kvstore.ErrNotFound) {
			w.logger.Debug("rate window ttl unavailable", zap.String("host", host), zap.Error(err))
		}
		retryAfter = w.period
	}
	metrics.ObserveRateLimitRejection(host)
	return faults.RateLimited(host, retryAfter)
}
