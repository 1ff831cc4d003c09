package crawler

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes a single HTTP GET.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the raw outcome of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher fetches a URL and returns the body plus metadata. Non-2xx statuses are returned
// as responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy reports whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RateLimiter blocks or refuses requests to keep per-host rates in bounds.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config holds the crawler defaults; CrawlOptions can override some per call.
type Config struct {
	UserAgent       string
	MaxRetries      int
	BackoffBase     time.Duration
	RequestTimeout  time.Duration
	PolitenessDelay time.Duration

	// ForbiddenThreshold blocks a host after this many 403 responses; 0 disables blocking.
	ForbiddenThreshold int
}

// CrawlOptions tunes a single Crawl call.
type CrawlOptions struct {
	Headers     http.Header
	MaxRetries  int
	BaseTimeout time.Duration
}

// Result is a successful crawl.
type Result struct {
	FetchResponse
	Attempts int
}
