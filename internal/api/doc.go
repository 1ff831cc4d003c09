// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sweeps to run a locked price sweep on demand.
//   - GET /v1/sweeps and /v1/sweeps/{id} for sweep history.
//   - GET /v1/operations and /v1/breakers for resilience state.
//   - GET /v1/products/{product}/latest and /v1/graph/... for price data.
//   - GET /v1/disparities for the KR/US price comparison and recommendations.
//   - GET /v1/crawl?url= to fetch one page through the crawl stack; rate limited
//     requests answer 429 with Retry-After.
package api
