package node

import (
	"log/slog"
	"reflect"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/play"
)

// ConsumerNode is the tail of a pipeline. Items are handed to the wrapped
// listener while the node is running.
type ConsumerNode[T any] struct {
	*play.Base
	target notify.Listener[T]
	logger *slog.Logger
}

var _ Sink = (*ConsumerNode[int])(nil)

// NewConsumerNode creates a consumer delivering to target
func NewConsumerNode[T any](name string, target notify.Listener[T], opts ...Option) (*ConsumerNode[T], error) {
	if target == nil {
		return nil, errors.Invalidf("ConsumerNode", "NewConsumerNode", "target listener is nil")
	}
	o := buildOptions("consumer-node", name, opts)
	return &ConsumerNode[T]{
		Base:   play.NewBase(name, play.Hooks{}, o.playOptions()...),
		target: target,
		logger: o.logger,
	}, nil
}

// Listener returns the input listener
func (c *ConsumerNode[T]) Listener() notify.Listener[T] {
	return notify.ListenerFunc[T](c.consume)
}

func (c *ConsumerNode[T]) consume(item T) {
	if !c.IsRunning() {
		c.logger.Debug("dropping item, consumer not running", "state", c.PlayState().String())
		return
	}
	c.target.Handle(item)
}

// Accept delivers an upstream item
func (c *ConsumerNode[T]) Accept(item any) {
	in, ok := item.(T)
	if !ok {
		c.logger.Warn("dropping item of unexpected type", "type", reflect.TypeOf(item))
		return
	}
	c.consume(in)
}

// ProducedType returns nil
func (c *ConsumerNode[T]) ProducedType() reflect.Type { return nil }

// ConsumedType returns T
func (c *ConsumerNode[T]) ConsumedType() reflect.Type { return reflect.TypeFor[T]() }
