package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// pauseController abstracts how the crawler waits between attempts and requests.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// domainBlocker tracks repeated forbidden responses and blocks hosts on excess.
type domainBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newDomainBlocker(threshold int) *domainBlocker {
	return &domainBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *domainBlocker) IsBlocked(host string) bool {
	if b.threshold <= 0 || host == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[strings.ToLower(host)]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *domainBlocker) MarkForbidden(host string) bool {
	if b.threshold <= 0 || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}
