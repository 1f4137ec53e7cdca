package node

import (
	"github.com/c360/jflux/errors"
)

// ChainBuilder assembles a NodeChain one stage at a time, checking each link
// as it is attached.
type ChainBuilder struct {
	producer   Source
	processors []Stage
	tail       Node
	opts       []Option
}

// NewChainBuilder starts a chain at producer
func NewChainBuilder(producer Source, opts ...Option) *ChainBuilder {
	return &ChainBuilder{producer: producer, tail: producer, opts: opts}
}

// Attach appends a processor. It returns ErrIncompatibleNodes when the
// current tail's output cannot feed the processor; the builder is unchanged.
func (b *ChainBuilder) Attach(processor Stage) error {
	if b.producer == nil {
		return errors.Invalidf("ChainBuilder", "Attach", "builder has no producer")
	}
	if processor == nil {
		return errors.Invalidf("ChainBuilder", "Attach", "processor is nil")
	}
	if err := Compatible(b.tail, processor); err != nil {
		return err
	}
	b.processors = append(b.processors, processor)
	b.tail = processor
	return nil
}

// Build finishes the chain with consumer
func (b *ChainBuilder) Build(consumer Sink) (*NodeChain, error) {
	if b.producer == nil {
		return nil, errors.Invalidf("ChainBuilder", "Build", "builder has no producer")
	}
	if consumer == nil {
		return nil, errors.Invalidf("ChainBuilder", "Build", "consumer is nil")
	}
	if err := Compatible(b.tail, consumer); err != nil {
		return nil, err
	}
	return NewNodeChain(b.producer, b.processors, consumer, b.opts...)
}
