package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

const staleSuffix = ":stale"

// Degradation holds the store and logger used by the fallback helpers.
type Degradation struct {
	store  kvstore.Store
	logger *zap.Logger
}

// NewDegradation builds the helper. store may be nil, in which case caching is skipped.
func NewDegradation(store kvstore.Store, opts ...Option) *Degradation {
	o := buildOptions(opts)
	return &Degradation{store: store, logger: o.logger}
}

// ExecuteWithFallback runs primary and, if it fails, fallback. Without a fallback the primary
// error is returned; a failing fallback returns its own error.
func ExecuteWithFallback[T any](
	ctx context.Context,
	d *Degradation,
	name string,
	primary func(context.Context) (T, error),
	fallback func(context.Context) (T, error),
) (T, error) {
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}
	if fallback == nil {
		return v, err
	}
	d.logger.Warn("primary failed; using fallback", zap.String("operation", name), zap.Error(err))
	metrics.ObserveFallback(name)
	return fallback(ctx)
}

// GetCachedData serves key from the store when present. On a miss it calls fetch and writes
// the result to key for ttl and to key:stale for 2×ttl. When fetch fails the stale copy is
// returned if one exists, otherwise the fetch error.
func GetCachedData[T any](
	ctx context.Context,
	d *Degradation,
	key string,
	ttl time.Duration,
	fetch func(context.Context) (T, error),
) (T, error) {
	if v, ok := readCached[T](ctx, d, key); ok {
		metrics.ObserveCacheLookup("hit")
		return v, nil
	}
	metrics.ObserveCacheLookup("miss")

	v, err := fetch(ctx)
	if err == nil {
		d.writeCached(ctx, key, v, ttl)
		return v, nil
	}

	if stale, ok := readCached[T](ctx, d, key+staleSuffix); ok {
		metrics.ObserveCacheLookup("stale")
		d.logger.Warn("fetch failed; serving stale data", zap.String("key", key), zap.Error(err))
		return stale, nil
	}
	return v, err
}

// Refresh replaces the fresh and stale copies of key with v, as a successful fetch would.
func (d *Degradation) Refresh(ctx context.Context, key string, v any, ttl time.Duration) {
	d.writeCached(ctx, key, v, ttl)
}

func readCached[T any](ctx context.Context, d *Degradation, key string) (T, bool) {
	var v T
	if d.store == nil {
		return v, false
	}
	raw, err := d.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			d.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return v, false
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		d.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, true
}

func (d *Degradation) writeCached(ctx context.Context, key string, v any, ttl time.Duration) {
	if d.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		d.logger.Warn("cache entry unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := d.store.Set(ctx, key, string(raw), ttl); err != nil {
		d.logger.Warn("cache write failed", zap.String("key", key), zap.Error(fmt.Errorf("fresh: %w", err)))
	}
	if err := d.store.Set(ctx, key+staleSuffix, string(raw), 2*ttl); err != nil {
		d.logger.Warn("cache write failed", zap.String("key", key+staleSuffix), zap.Error(fmt.Errorf("stale: %w", err)))
	}
}
