// Package crawler implements BaseCrawler, the polite product-page fetcher: robots.txt
// enforcement, per-host rate limiting, retries with exponential backoff under an adaptive
// timeout, and a politeness pause after every successful fetch.
package crawler
