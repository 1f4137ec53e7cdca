package node

import (
	"log/slog"
	"sync"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/play"
)

type link struct {
	src    Source
	handle notify.Handle
}

// NodeChain owns a producer, its processors and a consumer, and runs them as
// one Playable. After wire every adjacent pair is linked; unwire removes
// exactly those links.
type NodeChain struct {
	name       string
	producer   Source
	processors []Stage
	consumer   Sink
	group      *play.Group
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu    sync.Mutex
	wired bool
	links []link
}

var _ play.Playable = (*NodeChain)(nil)

// NewNodeChain validates stage compatibility and creates a chain. Prefer
// ChainBuilder when assembling stage by stage.
func NewNodeChain(producer Source, processors []Stage, consumer Sink, opts ...Option) (*NodeChain, error) {
	if producer == nil || consumer == nil {
		return nil, errors.Invalidf("NodeChain", "NewNodeChain", "producer and consumer are required")
	}
	var up Node = producer
	for i, p := range processors {
		if p == nil {
			return nil, errors.Invalidf("NodeChain", "NewNodeChain", "processor %d is nil", i)
		}
		if err := Compatible(up, p); err != nil {
			return nil, err
		}
		up = p
	}
	if err := Compatible(up, consumer); err != nil {
		return nil, err
	}

	o := buildOptions("node-chain", "", opts)
	if o.name == "" {
		o.name = producer.Name() + "-chain"
	}

	// consumer first so nothing the producer emits on start is lost
	group := play.NewGroup(consumer)
	for i := len(processors) - 1; i >= 0; i-- {
		group.Add(processors[i])
	}
	group.Add(producer)

	return &NodeChain{
		name:       o.name,
		producer:   producer,
		processors: append([]Stage(nil), processors...),
		consumer:   consumer,
		group:      group,
		logger:     o.logger.With("chain", o.name),
		metrics:    o.metrics.CoreMetrics(),
	}, nil
}

// Name returns the chain name
func (c *NodeChain) Name() string { return c.name }

// Producer returns the head stage
func (c *NodeChain) Producer() Source { return c.producer }

// Consumer returns the tail stage
func (c *NodeChain) Consumer() Sink { return c.consumer }

// Stages returns every stage, producer first
func (c *NodeChain) Stages() []Node {
	out := make([]Node, 0, len(c.processors)+2)
	out = append(out, c.producer)
	for _, p := range c.processors {
		out = append(out, p)
	}
	return append(out, c.consumer)
}

func (c *NodeChain) wire() {
	if c.wired {
		return
	}
	src := c.producer
	for _, p := range c.processors {
		c.links = append(c.links, link{src: src, handle: src.Link(p)})
		src = p
	}
	c.links = append(c.links, link{src: src, handle: src.Link(c.consumer)})
	c.wired = true
}

func (c *NodeChain) unwire() {
	if !c.wired {
		return
	}
	for i := len(c.links) - 1; i >= 0; i-- {
		l := c.links[i]
		if !l.src.Unlink(l.handle) {
			c.logger.Warn("link already removed", "source", l.src.Name())
		}
	}
	c.links = nil
	c.wired = false
}

// IsWired reports whether stage links are in place
func (c *NodeChain) IsWired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wired
}

// ListenerCount returns the total listener registrations across the chain's
// sources. It is zero for an unwired chain whose stages have no outside
// listeners.
func (c *NodeChain) ListenerCount() int {
	n := c.producer.ListenerCount()
	for _, p := range c.processors {
		n += p.ListenerCount()
	}
	return n
}

// Start wires the chain if needed and starts every stage, consumer first.
// Every stage is attempted; a partial failure leaves the chain in Error.
func (c *NodeChain) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wire()
	ok := c.group.Start()
	if !ok {
		c.logger.Warn("chain started with failures")
	}
	c.record()
	return ok
}

// Pause pauses every stage
func (c *NodeChain) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.group.Pause()
	c.record()
	return ok
}

// Resume resumes every stage
func (c *NodeChain) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.group.Resume()
	c.record()
	return ok
}

// Stop unwires the chain and stops every stage
func (c *NodeChain) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unwire()
	ok := c.group.Stop()
	if !ok {
		c.logger.Warn("chain stopped with failures")
	}
	c.record()
	return ok
}

// PlayState returns the state left by the last chain call
func (c *NodeChain) PlayState() play.PlayState {
	return c.group.PlayState()
}

func (c *NodeChain) record() {
	c.metrics.RecordPlayState(c.name, int(c.group.PlayState()))
}
