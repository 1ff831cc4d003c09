// Package memory keeps observations and sweep runs in-process for development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

// ObservationStore provides an in-memory implementation for development/testing.
type ObservationStore struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	latest map[string]pricewatch.Observation
}

// NewObservationStore constructs an ObservationStore.
func NewObservationStore() *ObservationStore {
	return &ObservationStore{
		ids:    make(map[string]struct{}),
		latest: make(map[string]pricewatch.Observation),
	}
}

// InsertObservation stores obs. Only the newest reading per product and market is kept.
func (s *ObservationStore) InsertObservation(_ context.Context, obs pricewatch.Observation) error {
	if obs.ID == "" {
		return errors.New("observation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[obs.ID]; exists {
		return errors.New("observation already exists")
	}
	s.ids[obs.ID] = struct{}{}
	key := obs.Product + ":" + obs.Market
	if cur, ok := s.latest[key]; ok && cur.FetchedAt.After(obs.FetchedAt) {
		return nil
	}
	s.latest[key] = obs
	return nil
}

// LatestObservation returns the newest observation for product in market.
func (s *ObservationStore) LatestObservation(_ context.Context, product, market string) (pricewatch.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.latest[product+":"+market]
	if !ok {
		return pricewatch.Observation{}, pricewatch.ErrNoObservation
	}
	return obs, nil
}

// RunStore keeps sweep reports in-memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]pricewatch.SweepReport
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]pricewatch.SweepReport)}
}

// StartRun records a running sweep. Restarting the same id is a no-op.
func (s *RunStore) StartRun(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[id]; exists {
		return nil
	}
	s.runs[id] = pricewatch.SweepReport{ID: id, Status: pricewatch.RunRunning, StartedAt: startedAt}
	return nil
}

// CompleteRun stores the final report.
func (s *RunStore) CompleteRun(_ context.Context, report pricewatch.SweepReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[report.ID]; !ok {
		return pricewatch.ErrRunNotFound
	}
	s.runs[report.ID] = report
	return nil
}

// ListRuns returns sweeps newest first.
func (s *RunStore) ListRuns(
	_ context.Context,
	status *pricewatch.RunStatus,
	limit,
	offset int,
) ([]pricewatch.SweepReport, error) {
	s.mu.RLock()
	out := make([]pricewatch.SweepReport, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []pricewatch.SweepReport{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// GetRun fetches a sweep by id.
func (s *RunStore) GetRun(_ context.Context, id string) (pricewatch.SweepReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return pricewatch.SweepReport{}, pricewatch.ErrRunNotFound
	}
	return run, nil
}
