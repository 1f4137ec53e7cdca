package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/node"
	"github.com/c360/jflux/notify"
)

// ReceiverNode is a pipeline producer fed by a subject. Each Start opens a
// new subscription; Stop closes it and waits for the receive loop.
type ReceiverNode[T any] struct {
	*node.ProducerNode[T]
	subscriber Subscriber
	subject    string
	adapter    node.Adapter[*nats.Msg, T]
	opts       []Option
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu       sync.Mutex
	receiver *Receiver
}

var _ node.Source = (*ReceiverNode[int])(nil)

// NewReceiverNode creates a receiver node
func NewReceiverNode[T any](name string, subscriber Subscriber, subject string, adapter node.Adapter[*nats.Msg, T], opts ...Option) (*ReceiverNode[T], error) {
	if subscriber == nil || adapter == nil {
		return nil, errors.Invalidf("ReceiverNode", "New", "subscriber and adapter are required")
	}
	if subject == "" {
		return nil, errors.Invalidf("ReceiverNode", "New", "subject is empty")
	}
	o := buildOptions("receiver-node", []any{"node", name, "subject", subject}, opts)
	return &ReceiverNode[T]{
		ProducerNode: node.NewProducerNode[T](name, node.WithLogger(o.logger), node.WithMetrics(o.registry)),
		subscriber:   subscriber,
		subject:      subject,
		adapter:      adapter,
		opts:         opts,
		timeout:      o.timeout,
		logger:       o.logger,
		metrics:      o.registry.CoreMetrics(),
	}, nil
}

// Subject returns the subscribed subject
func (n *ReceiverNode[T]) Subject() string { return n.subject }

func (n *ReceiverNode[T]) handle(msg *nats.Msg) {
	v := n.adapter.Adapt(msg)
	if node.IsNil(any(v)) {
		n.metrics.RecordMessageDropped(n.subject, "adapt")
		return
	}
	n.Emit(v)
}

// Start subscribes and starts receiving
func (n *ReceiverNode[T]) Start() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.receiver != nil {
		return n.ProducerNode.Start()
	}
	source, err := n.subscriber.Subscribe(n.subject)
	if err != nil {
		n.logger.Error("subscribe failed", "error", err)
		return false
	}
	r, err := NewReceiver(source, n.subject, n.handle, append(n.opts, WithLogger(n.logger))...)
	if err != nil {
		n.logger.Error("create receiver failed", "error", err)
		_ = source.Unsubscribe()
		return false
	}
	if !n.ProducerNode.Start() {
		_ = source.Unsubscribe()
		return false
	}
	if err := r.Start(); err != nil {
		n.logger.Error("start receiver failed", "error", err)
		n.ProducerNode.Stop()
		return false
	}
	n.receiver = r
	return true
}

// Pause parks the receive loop
func (n *ReceiverNode[T]) Pause() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.ProducerNode.Pause() {
		return false
	}
	if n.receiver != nil {
		n.receiver.Pause()
	}
	return true
}

// Resume wakes the receive loop
func (n *ReceiverNode[T]) Resume() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.ProducerNode.Resume() {
		return false
	}
	if n.receiver != nil {
		n.receiver.Resume()
	}
	return true
}

// Stop closes the subscription and waits for the receive loop, bounded by
// twice the receive timeout
func (n *ReceiverNode[T]) Stop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r := n.receiver; r != nil {
		n.receiver = nil
		ctx, cancel := context.WithTimeout(context.Background(), 2*n.timeout)
		defer cancel()
		if err := r.Stop(ctx); err != nil {
			n.logger.Warn("receiver did not stop in time", "error", err)
		}
	}
	return n.ProducerNode.Stop()
}

// SenderNode is a pipeline consumer that encodes items and sends them
type SenderNode[T any] struct {
	*node.ConsumerNode[T]
	sender      *Sender
	contentType string
	adapter     node.Adapter[T, []byte]
	metrics     *metric.Metrics
}

var _ node.Sink = (*SenderNode[int])(nil)

// NewSenderNode creates a sender node tagging every message with contentType
func NewSenderNode[T any](name string, sender *Sender, contentType string, adapter node.Adapter[T, []byte], opts ...Option) (*SenderNode[T], error) {
	if sender == nil || adapter == nil {
		return nil, errors.Invalidf("SenderNode", "New", "sender and adapter are required")
	}
	o := buildOptions("sender-node", []any{"node", name, "subject", sender.Subject()}, opts)
	s := &SenderNode[T]{
		sender:      sender,
		contentType: contentType,
		adapter:     adapter,
		metrics:     o.registry.CoreMetrics(),
	}
	consumer, err := node.NewConsumerNode[T](name, notify.ListenerFunc[T](s.send),
		node.WithLogger(o.logger), node.WithMetrics(o.registry))
	if err != nil {
		return nil, err
	}
	s.ConsumerNode = consumer
	return s, nil
}

func (s *SenderNode[T]) send(item T) {
	data := s.adapter.Adapt(item)
	if data == nil {
		s.metrics.RecordMessageDropped(s.sender.Subject(), "encode")
		return
	}
	// Send logs and counts its own failures
	_ = s.sender.Send(context.Background(), s.contentType, data)
}
