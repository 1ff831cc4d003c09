package resilience

import (
	"time"

	"go.uber.org/zap"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type options struct {
	clock  Clock
	logger *zap.Logger
}

// Option configures a resilience component.
type Option func(*options)

// WithClock overrides the clock, primarily for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: realClock{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
