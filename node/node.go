package node

import (
	"log/slog"
	"reflect"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/play"
)

// Node is a Playable pipeline stage with declared input and output types.
// ProducedType or ConsumedType is nil when the stage has no output or input.
type Node interface {
	play.Playable
	Name() string
	ProducedType() reflect.Type
	ConsumedType() reflect.Type
}

// Source is a node whose output can feed a downstream Sink
type Source interface {
	Node
	// Link registers sink on this node's output and returns the registration handle
	Link(sink Sink) notify.Handle
	// Unlink removes a registration made by Link
	Unlink(h notify.Handle) bool
	// ListenerCount returns the number of registrations on this node's output
	ListenerCount() int
}

// Sink is a node that accepts items from an upstream Source
type Sink interface {
	Node
	// Accept delivers one upstream item. Items of the wrong type are dropped.
	Accept(item any)
}

// Stage is a node that is both a Sink and a Source
type Stage interface {
	Source
	Sink
}

// Option configures nodes and chains
type Option func(*options)

type options struct {
	name    string
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics publishes play state (and heartbeat counts) to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = registry }
}

// WithName names a chain. Nodes take their name as a constructor argument.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(component, name string, opts []Option) options {
	o := options{name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", component, "node", o.name)
	}
	return o
}

func (o options) playOptions() []play.Option {
	return []play.Option{play.WithLogger(o.logger), play.WithMetrics(o.metrics)}
}

// Compatible returns ErrIncompatibleNodes unless up's produced type is
// assignable to down's consumed type.
func Compatible(up, down Node) error {
	produced, consumed := up.ProducedType(), down.ConsumedType()
	if produced == nil || consumed == nil || !produced.AssignableTo(consumed) {
		return errors.WrapInvalid(errors.ErrIncompatibleNodes, "node", "Compatible",
			describeLink(up, down))
	}
	return nil
}

func describeLink(up, down Node) string {
	return "link " + up.Name() + " (" + typeName(up.ProducedType()) + ") to " +
		down.Name() + " (" + typeName(down.ConsumedType()) + ")"
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "none"
	}
	return t.String()
}

// IsNil reports whether v is nil or a nil pointer, slice, map, chan or func
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
