package node

import (
	"log/slog"
	"reflect"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/play"
)

// ProcessorNode adapts each A it receives into a B for its listeners. Input
// is dropped while the node is not running, and nil results are dropped.
type ProcessorNode[A, B any] struct {
	*play.Base
	adapter  Adapter[A, B]
	notifier *notify.DefaultNotifier[B]
	logger   *slog.Logger
}

var _ Stage = (*ProcessorNode[int, string])(nil)

// NewProcessorNode creates a processor around adapter
func NewProcessorNode[A, B any](name string, adapter Adapter[A, B], opts ...Option) (*ProcessorNode[A, B], error) {
	if adapter == nil {
		return nil, errors.Invalidf("ProcessorNode", "NewProcessorNode", "adapter is nil")
	}
	o := buildOptions("processor-node", name, opts)
	return &ProcessorNode[A, B]{
		Base:     play.NewBase(name, play.Hooks{}, o.playOptions()...),
		adapter:  adapter,
		notifier: notify.NewNotifier[B](),
		logger:   o.logger,
	}, nil
}

// Listener returns the input listener
func (p *ProcessorNode[A, B]) Listener() notify.Listener[A] {
	return notify.ListenerFunc[A](p.process)
}

// Notifier returns the output notifier
func (p *ProcessorNode[A, B]) Notifier() notify.Notifier[B] { return p.notifier }

func (p *ProcessorNode[A, B]) process(in A) {
	if !p.IsRunning() {
		p.logger.Debug("dropping item, processor not running", "state", p.PlayState().String())
		return
	}
	out := p.adapter.Adapt(in)
	if IsNil(any(out)) {
		p.logger.Debug("adapter returned nil, dropping item")
		return
	}
	p.notifier.Notify(out)
}

// Accept delivers an upstream item
func (p *ProcessorNode[A, B]) Accept(item any) {
	in, ok := item.(A)
	if !ok {
		p.logger.Warn("dropping item of unexpected type", "type", reflect.TypeOf(item))
		return
	}
	p.process(in)
}

// ProducedType returns B
func (p *ProcessorNode[A, B]) ProducedType() reflect.Type { return reflect.TypeFor[B]() }

// ConsumedType returns A
func (p *ProcessorNode[A, B]) ConsumedType() reflect.Type { return reflect.TypeFor[A]() }

// Link registers sink on the output notifier
func (p *ProcessorNode[A, B]) Link(sink Sink) notify.Handle {
	return p.notifier.AddListener(notify.ListenerFunc[B](func(item B) { sink.Accept(item) }))
}

// Unlink removes a Link registration
func (p *ProcessorNode[A, B]) Unlink(h notify.Handle) bool { return p.notifier.RemoveListener(h) }

// ListenerCount returns the number of output listeners
func (p *ProcessorNode[A, B]) ListenerCount() int { return p.notifier.ListenerCount() }
