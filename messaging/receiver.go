package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/natsclient"
)

// MessageSource is a synchronous subscription. *nats.Subscription
// implements it.
type MessageSource interface {
	NextMsg(timeout time.Duration) (*nats.Msg, error)
	Unsubscribe() error
}

var _ MessageSource = (*nats.Subscription)(nil)

// Subscriber opens a MessageSource on a subject
type Subscriber interface {
	Subscribe(subject string) (MessageSource, error)
}

// SubscriberFunc lets a function act as a Subscriber
type SubscriberFunc func(subject string) (MessageSource, error)

// Subscribe calls f(subject)
func (f SubscriberFunc) Subscribe(subject string) (MessageSource, error) { return f(subject) }

// NATSSubscriber opens synchronous subscriptions on client
func NATSSubscriber(client *natsclient.Client) Subscriber {
	return SubscriberFunc(func(subject string) (MessageSource, error) {
		sub, err := client.SubscribeSync(subject)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

type receiverState int

const (
	receiverIdle receiverState = iota
	receiverRunning
	receiverStopped
)

// Receiver reads a MessageSource on its own goroutine and hands every
// message to the handler. A Receiver runs once: after Stop it cannot be
// started again.
type Receiver struct {
	source  MessageSource
	subject string
	handler func(*nats.Msg)
	timeout time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	state  receiverState
	paused bool
	done   chan struct{}
}

// NewReceiver creates a receiver. subject labels logs and metrics.
func NewReceiver(source MessageSource, subject string, handler func(*nats.Msg), opts ...Option) (*Receiver, error) {
	if source == nil {
		return nil, errors.Invalidf("Receiver", "NewReceiver", "source is nil")
	}
	if handler == nil {
		return nil, errors.Invalidf("Receiver", "NewReceiver", "handler is nil")
	}
	o := buildOptions("receiver", []any{"subject", subject}, opts)
	r := &Receiver{
		source:  source,
		subject: subject,
		handler: handler,
		timeout: o.timeout,
		logger:  o.logger,
		metrics: o.registry.CoreMetrics(),
		done:    make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Start launches the receive loop
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case receiverRunning:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Receiver", "Start", "start "+r.subject)
	case receiverStopped:
		return errors.WrapInvalid(errors.ErrDisposed, "Receiver", "Start", "restart "+r.subject)
	}
	r.state = receiverRunning
	go r.loop()
	r.logger.Debug("receiver started")
	return nil
}

// Pause parks the loop after the current receive
func (r *Receiver) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume wakes a paused loop
func (r *Receiver) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.cond.Broadcast()
}

// IsPaused reports whether the receiver is paused
func (r *Receiver) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Stop unsubscribes and waits for the loop to exit, at most one receive
// timeout, or until ctx is done.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	prev := r.state
	r.state = receiverStopped
	r.mu.Unlock()
	r.cond.Broadcast()

	if prev == receiverStopped {
		return nil
	}
	if err := r.source.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		r.logger.Warn("unsubscribe failed", "error", err)
	}
	if prev == receiverIdle {
		return nil
	}

	select {
	case <-r.done:
		r.logger.Debug("receiver stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Receiver", "Stop", "wait for receive loop")
	}
}

// wait blocks while paused and reports whether the loop should go on
func (r *Receiver) wait() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.paused && r.state == receiverRunning {
		r.cond.Wait()
	}
	return r.state == receiverRunning
}

func (r *Receiver) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != receiverRunning
}

func (r *Receiver) loop() {
	defer close(r.done)
	for r.wait() {
		msg, err := r.source.NextMsg(r.timeout)
		if err != nil {
			if r.stopping() {
				return
			}
			switch {
			case errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
				r.logger.Error("subscription closed, receiver exiting", "error", err)
				return
			}
			r.logger.Warn("receive failed", "error", err)
			continue
		}
		r.deliver(msg)
	}
}

func (r *Receiver) deliver(msg *nats.Msg) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panicked", "panic", p)
			r.metrics.RecordMessageDropped(r.subject, "panic")
		}
	}()
	r.metrics.RecordMessageReceived(r.subject, ContentType(msg))
	r.handler(msg)
}
