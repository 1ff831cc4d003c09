package pricewatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoObservation is returned when a product has never been observed in a market.
	ErrNoObservation = errors.New("no observation recorded")
	// ErrRunNotFound is returned for an unknown sweep id.
	ErrRunNotFound = errors.New("sweep run not found")
)

// Markets a target can belong to.
const (
	MarketKR = "KR"
	MarketUS = "US"
)

// Target is one product page to watch.
type Target struct {
	Product  string `json:"product"`
	Category string `json:"category,omitempty"`
	Market   string `json:"market"`
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Observation is one successful price reading.
type Observation struct {
	ID          string        `json:"id"`
	SweepID     string        `json:"sweepId"`
	Product     string        `json:"product"`
	Market      string        `json:"market"`
	URL         string        `json:"url"`
	Price       float64       `json:"price"`
	Currency    string        `json:"currency"`
	RawPrice    string        `json:"rawPrice"`
	StatusCode  int           `json:"statusCode"`
	ContentHash string        `json:"contentHash"`
	Duration    time.Duration `json:"durationNs"`
	FetchedAt   time.Time     `json:"fetchedAt"`
}

// TargetOutcome is the per-target result of a sweep.
type TargetOutcome struct {
	Product     string       `json:"product"`
	Market      string       `json:"market"`
	URL         string       `json:"url"`
	Observation *Observation `json:"observation,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   string       `json:"errorKind,omitempty"`
}

// RunStatus is the terminal state of a sweep.
type RunStatus string

// Sweep statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// SweepReport summarizes a sweep.
type SweepReport struct {
	ID         string          `json:"id"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Outcomes   []TargetOutcome `json:"outcomes"`
	// Disparities holds the KR/US comparison for every product observed in both markets.
	Disparities []Disparity `json:"disparities,omitempty"`
}

// ObservationStore persists observations.
type ObservationStore interface {
	InsertObservation(ctx context.Context, obs Observation) error
	LatestObservation(ctx context.Context, product, market string) (Observation, error)
}

// RunStore records sweep lifecycles.
type RunStore interface {
	StartRun(ctx context.Context, id string, startedAt time.Time) error
	CompleteRun(ctx context.Context, report SweepReport) error
}

// RunReader lists recorded sweeps, newest first. A nil status matches every sweep.
type RunReader interface {
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]SweepReport, error)
	GetRun(ctx context.Context, id string) (SweepReport, error)
}

// ParseRunStatus maps a user-supplied status to a RunStatus.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch RunStatus(strings.ToLower(strings.TrimSpace(s))) {
	case RunRunning:
		return RunRunning, true
	case RunSucceeded:
		return RunSucceeded, true
	case RunPartial:
		return RunPartial, true
	case RunFailed:
		return RunFailed, true
	}
	return "", false
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces observation and sweep IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests fetched bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}
