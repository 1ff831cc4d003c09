package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/extract"
	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

// DisparityReporter serves the cached KR/US price comparison.
type DisparityReporter interface {
	DisparityReport(ctx context.Context) (pricewatch.DisparityReport, error)
}

// PageInspector crawls one page on demand and extracts its price.
type PageInspector interface {
	Inspect(ctx context.Context, rawURL, selector string) (crawler.Result, *extract.Price, error)
}

type inspectResponse struct {
	URL        string         `json:"url"`
	StatusCode int            `json:"statusCode"`
	Attempts   int            `json:"attempts"`
	DurationMS int64          `json:"durationMs"`
	Bytes      int            `json:"bytes"`
	Price      *extract.Price `json:"price,omitempty"`
}

// inspectPage handles GET /v1/crawl?url=&selector=.
func (s *Server) inspectPage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pages == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	q := r.URL.Query()
	res, price, err := s.deps.Pages.Inspect(r.Context(), q.Get("url"), q.Get("selector"))
	if err != nil {
		s.writeCrawlError(w, q.Get("url"), err)
		return
	}
	writeJSON(w, http.StatusOK, inspectResponse{
		URL:        res.URL,
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
		Bytes:      len(res.Body),
		Price:      price,
	})
}

// writeCrawlError maps a classified crawl failure to an HTTP status. Rate limited requests
// carry Retry-After in whole seconds when the window expiry is known.
func (s *Server) writeCrawlError(w http.ResponseWriter, rawURL string, err error) {
	switch faults.KindOf(err) {
	case faults.KindRateLimit:
		if retryAfter, ok := faults.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case faults.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case faults.KindPermission:
		writeError(w, http.StatusForbidden, err.Error())
	case faults.KindCircuitOpen:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case faults.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Warn("crawl failed", zap.String("url", rawURL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "crawl failed")
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// disparities handles GET /v1/disparities.
func (s *Server) disparities(w http.ResponseWriter, r *http.Request) {
	if s.deps.Disparities == nil {
		writeError(w, http.StatusServiceUnavailable, "disparity report unavailable")
		return
	}
	report, err := s.deps.Disparities.DisparityReport(r.Context())
	if err != nil {
		s.logger.Error("disparity report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build disparity report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
