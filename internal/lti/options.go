package lti

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/telemetry"
)

// Clock returns the current time.
type Clock func() time.Time

type options struct {
	clock   Clock
	logger  *zap.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option customises an lti component.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the component logger. The global zap logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer for launch spans. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) log() *zap.Logger {
	if o.logger != nil {
		return o.logger
	}
	return zap.L()
}
