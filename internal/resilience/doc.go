// Package resilience provides the fault-tolerance primitives used by the crawler and the
// price sweep: a circuit breaker, per-host adaptive timeouts, a distributed lock over the
// key-value store, a resource manager, graceful degradation helpers and a performance monitor.
//
// Every type is safe for concurrent use. Components that need the current time accept a Clock
// so tests can drive state transitions deterministically.
package resilience
