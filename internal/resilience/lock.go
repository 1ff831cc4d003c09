package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/id/uuid"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

const lockKeyPrefix = "lock:"

// TokenGenerator produces unique lock holder tokens.
type TokenGenerator interface {
	NewToken() (string, error)
}

// DistributedLock is a mutual-exclusion lock held in the shared key-value store.
type DistributedLock struct {
	store  kvstore.Store
	tokens TokenGenerator
	logger *zap.Logger
}

// NewDistributedLock builds a lock over store. A nil tokens uses random UUIDs.
func NewDistributedLock(store kvstore.Store, tokens TokenGenerator, opts ...Option) *DistributedLock {
	if tokens == nil {
		tokens = uuid.New()
	}
	o := buildOptions(opts)
	return &DistributedLock{store: store, tokens: tokens, logger: o.logger}
}

// Acquire tries once to take key for ttl. It returns the holder token on success. Store
// failures are logged and reported as not acquired.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token, err := l.tokens.NewToken()
	if err != nil {
		l.logger.Error("lock token generation failed", zap.String("key", key), zap.Error(err))
		metrics.ObserveLockAttempt("error")
		return "", false
	}
	ok, err := l.store.SetNX(ctx, lockKeyPrefix+key, token, ttl)
	if err != nil {
		l.logger.Error("lock acquisition failed", zap.String("key", key), zap.Error(err))
		metrics.ObserveLockAttempt("error")
		return "", false
	}
	if !ok {
		metrics.ObserveLockAttempt("contended")
		return "", false
	}
	metrics.ObserveLockAttempt("acquired")
	l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return token, true
}

// Release deletes key only if it is still held by token.
func (l *DistributedLock) Release(ctx context.Context, key, token string) bool {
	ok, err := l.store.CompareAndDelete(ctx, lockKeyPrefix+key, token)
	if err != nil {
		l.logger.Error("lock release failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		l.logger.Debug("lock not released; held by another token or expired", zap.String("key", key))
	}
	return ok
}

// WithLock runs op while holding key. It returns a LockAcquisition error without running op
// when the lock is taken. The lock is released even if op fails or ctx is cancelled.
func (l *DistributedLock) WithLock(ctx context.Context, key string, ttl time.Duration, op func(context.Context) error) error {
	token, ok := l.Acquire(ctx, key, ttl)
	if !ok {
		return faults.New(faults.KindLockAcquisition, key, fmt.Sprintf("failed to acquire lock: %s", key))
	}
	defer l.Release(context.WithoutCancel(ctx), key, token)
	return op(ctx)
}
