package messaging

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/natsclient"
)

// Publisher publishes a message with headers. *natsclient.Client implements it.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

var _ Publisher = (*natsclient.Client)(nil)

// Sender publishes payloads to one subject
type Sender struct {
	publisher Publisher
	subject   string
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// NewSender creates a sender for subject
func NewSender(publisher Publisher, subject string, opts ...Option) (*Sender, error) {
	if publisher == nil {
		return nil, errors.Invalidf("Sender", "NewSender", "publisher is nil")
	}
	if subject == "" {
		return nil, errors.Invalidf("Sender", "NewSender", "subject is empty")
	}
	o := buildOptions("sender", []any{"subject", subject}, opts)
	return &Sender{
		publisher: publisher,
		subject:   subject,
		logger:    o.logger,
		metrics:   o.registry.CoreMetrics(),
	}, nil
}

// Subject returns the destination subject
func (s *Sender) Subject() string { return s.subject }

// Send publishes data tagged with contentType. Failures are logged and
// counted before being returned.
func (s *Sender) Send(ctx context.Context, contentType string, data []byte) error {
	if err := s.publisher.PublishMsg(ctx, NewMessage(s.subject, contentType, data)); err != nil {
		s.logger.Warn("send failed", "content_type", contentType, "bytes", len(data), "error", err)
		s.metrics.RecordMessageDropped(s.subject, "publish")
		return err
	}
	s.metrics.RecordMessageSent(s.subject, contentType)
	return nil
}
