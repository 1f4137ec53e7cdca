package buffer

import (
	"github.com/c360/jflux/metric"
)

// DropCallback is called with each value evicted by an Add on a full buffer
type DropCallback[V any] func(dropped V)

// Option configures a CircularBuffer
type Option[V any] func(*bufferOptions[V])

type bufferOptions[V any] struct {
	dropCallback  DropCallback[V]
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithMetrics exports buffer activity as Prometheus metrics labelled with
// prefix. Ignored when registry is nil or prefix is empty.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *bufferOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a callback for evicted values. The callback runs with
// the buffer lock held and must not call back into the buffer.
func WithDropCallback[V any](callback DropCallback[V]) Option[V] {
	return func(opts *bufferOptions[V]) {
		opts.dropCallback = callback
	}
}

func applyOptions[V any](options ...Option[V]) *bufferOptions[V] {
	opts := &bufferOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
