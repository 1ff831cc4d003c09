// Package schedule triggers locked price sweeps on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

// DefaultSpec runs the sweep daily at 06:00.
const DefaultSpec = "0 6 * * *"

// Runner runs one sweep under the distributed lock.
type Runner interface {
	RunLocked(ctx context.Context) (pricewatch.SweepReport, error)
}

// GraphCleaner prunes price graph entries not updated within olderThan.
type GraphCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithGraphCleanup prunes the price graph after every scheduled sweep that ran. A
// non-positive maxAge disables pruning.
func WithGraphCleanup(cleaner GraphCleaner, maxAge time.Duration) Option {
	return func(s *Scheduler) {
		if cleaner != nil && maxAge > 0 {
			s.cleaner = cleaner
			s.maxAge = maxAge
		}
	}
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
	entry   cron.EntryID
	cleaner GraphCleaner
	maxAge  time.Duration
}

// New parses spec (standard five fields, UTC) and registers the sweep job. timeout bounds a
// single run; zero means no bound.
func New(spec string, runner Runner, timeout time.Duration, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("schedule: runner is required")
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(context.Background()) })
	if err != nil {
		return nil, faults.Validation("schedule.cron", fmt.Sprintf("invalid expression %q: %v", spec, err))
	}
	s.entry = id
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweep schedule started", zap.Time("next_run", s.Next()))
}

// Stop prevents new runs and waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled sweep: %w", ctx.Err())
	}
}

// Next reports when the sweep fires next; zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.logger.Info("scheduled sweep starting")
	report, err := s.runner.RunLocked(ctx)
	switch {
	case errors.Is(err, faults.ErrLockAcquisition):
		s.logger.Info("scheduled sweep skipped; another instance holds the lock")
	case err != nil:
		s.logger.Error("scheduled sweep failed", zap.String("sweep_id", report.ID), zap.Error(err))
	default:
		s.logger.Info("scheduled sweep completed",
			zap.String("sweep_id", report.ID),
			zap.String("status", string(report.Status)),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
		)
		s.pruneGraph(ctx)
	}
}

func (s *Scheduler) pruneGraph(ctx context.Context) {
	if s.cleaner == nil {
		return
	}
	removed, err := s.cleaner.Cleanup(context.WithoutCancel(ctx), s.maxAge)
	if err != nil {
		s.logger.Warn("price graph cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("price graph pruned", zap.Int("removed", removed), zap.Duration("max_age", s.maxAge))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
