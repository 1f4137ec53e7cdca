package node

import (
	"log/slog"
	"reflect"

	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/play"
)

// ProducerNode is the head of a pipeline. Emit publishes to downstream
// listeners while the node is running.
type ProducerNode[T any] struct {
	*play.Base
	notifier *notify.DefaultNotifier[T]
	logger   *slog.Logger
}

var _ Source = (*ProducerNode[int])(nil)

// NewProducerNode creates a producer node
func NewProducerNode[T any](name string, opts ...Option) *ProducerNode[T] {
	return newProducerNode[T](name, play.Hooks{}, opts)
}

func newProducerNode[T any](name string, hooks play.Hooks, opts []Option) *ProducerNode[T] {
	o := buildOptions("producer-node", name, opts)
	return &ProducerNode[T]{
		Base:     play.NewBase(name, hooks, o.playOptions()...),
		notifier: notify.NewNotifier[T](),
		logger:   o.logger,
	}
}

// Notifier returns the node's output notifier
func (p *ProducerNode[T]) Notifier() notify.Notifier[T] { return p.notifier }

// Emit notifies listeners with item. It returns false and drops the item
// when the node is not running.
func (p *ProducerNode[T]) Emit(item T) bool {
	if !p.IsRunning() {
		p.logger.Debug("dropping item, producer not running", "state", p.PlayState().String())
		return false
	}
	p.notifier.Notify(item)
	return true
}

// ProducedType returns T
func (p *ProducerNode[T]) ProducedType() reflect.Type { return reflect.TypeFor[T]() }

// ConsumedType returns nil
func (p *ProducerNode[T]) ConsumedType() reflect.Type { return nil }

// Link registers sink on the output notifier
func (p *ProducerNode[T]) Link(sink Sink) notify.Handle {
	return p.notifier.AddListener(notify.ListenerFunc[T](func(item T) { sink.Accept(item) }))
}

// Unlink removes a Link registration
func (p *ProducerNode[T]) Unlink(h notify.Handle) bool { return p.notifier.RemoveListener(h) }

// ListenerCount returns the number of output listeners
func (p *ProducerNode[T]) ListenerCount() int { return p.notifier.ListenerCount() }
