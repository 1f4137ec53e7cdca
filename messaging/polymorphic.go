package messaging

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/node"
)

// BodyAdapter applies inner to the message body
func BodyAdapter[T any](inner node.Adapter[[]byte, T]) node.Adapter[*nats.Msg, T] {
	return node.AdapterFunc[*nats.Msg, T](func(msg *nats.Msg) T {
		var zero T
		if msg == nil {
			return zero
		}
		return inner.Adapt(msg.Data)
	})
}

// PolymorphicAdapter selects an adapter by the message content type.
// Messages with an unknown or missing content type yield the zero T.
type PolymorphicAdapter[T any] struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	adapters map[string]node.Adapter[*nats.Msg, T]
}

var _ node.Adapter[*nats.Msg, any] = (*PolymorphicAdapter[any])(nil)

// NewPolymorphicAdapter creates an empty adapter
func NewPolymorphicAdapter[T any](opts ...Option) *PolymorphicAdapter[T] {
	o := buildOptions("polymorphic-adapter", nil, opts)
	return &PolymorphicAdapter[T]{
		logger:   o.logger,
		metrics:  o.registry.CoreMetrics(),
		adapters: make(map[string]node.Adapter[*nats.Msg, T]),
	}
}

// Register sets the adapter for contentType, replacing any previous one
func (p *PolymorphicAdapter[T]) Register(contentType string, adapter node.Adapter[*nats.Msg, T]) error {
	if contentType == "" || adapter == nil {
		return errors.Invalidf("PolymorphicAdapter", "Register", "content type and adapter are required")
	}
	p.mu.Lock()
	p.adapters[contentType] = adapter
	p.mu.Unlock()
	return nil
}

// ContentTypes returns the registered content types, sorted
func (p *PolymorphicAdapter[T]) ContentTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.adapters))
	for ct := range p.adapters {
		types = append(types, ct)
	}
	slices.Sort(types)
	return types
}

// Adapt implements node.Adapter
func (p *PolymorphicAdapter[T]) Adapt(msg *nats.Msg) T {
	var zero T
	ct := ContentType(msg)
	p.mu.RLock()
	adapter, ok := p.adapters[ct]
	p.mu.RUnlock()
	if !ok {
		subject := ""
		if msg != nil {
			subject = msg.Subject
		}
		p.logger.Warn("dropping message", "subject", subject, "content_type", ct,
			"error", errors.ErrUnknownContentType)
		p.metrics.RecordMessageDropped(subject, "content_type")
		return zero
	}
	return adapter.Adapt(msg)
}
