package messaging

import (
	"log/slog"
	"time"

	"github.com/c360/jflux/metric"
)

// DefaultReceiveTimeout bounds each NextMsg call and therefore Stop latency
const DefaultReceiveTimeout = time.Second

// Option configures senders, receivers and their nodes
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	timeout  time.Duration
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics counts sent, received and dropped messages
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithReceiveTimeout sets how long a receiver blocks per NextMsg call
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(component string, attrs []any, opts []Option) options {
	o := options{timeout: DefaultReceiveTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default().With(append([]any{"component", component}, attrs...)...)
	}
	return o
}
