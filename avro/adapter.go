package avro

import (
	"log/slog"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/node"
)

// RecordAdapter converts T to and from the Avro native form of its schema
type RecordAdapter[T any] interface {
	ToNative(v T) (map[string]any, error)
	FromNative(native map[string]any) (T, error)
}

// RecordFuncs is a RecordAdapter assembled from two functions
type RecordFuncs[T any] struct {
	To   func(v T) (map[string]any, error)
	From func(native map[string]any) (T, error)
}

// ToNative implements RecordAdapter
func (f RecordFuncs[T]) ToNative(v T) (map[string]any, error) { return f.To(v) }

// FromNative implements RecordAdapter
func (f RecordFuncs[T]) FromNative(native map[string]any) (T, error) { return f.From(native) }

// AdapterOption configures EncodeAdapter and DecodeAdapter
type AdapterOption func(*adapterOptions)

type adapterOptions struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(o *adapterOptions) { o.logger = logger }
}

// WithMetrics counts codec failures
func WithMetrics(registry *metric.MetricsRegistry) AdapterOption {
	return func(o *adapterOptions) { o.metrics = registry.CoreMetrics() }
}

func buildAdapterOptions(codec *Codec, opts []AdapterOption) adapterOptions {
	var o adapterOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "avro", "schema", codec.Name())
	}
	return o
}

// EncodeAdapter turns T into Avro bytes. A failed conversion or encode yields
// nil, which pipelines drop.
type EncodeAdapter[T any] struct {
	record  RecordAdapter[T]
	encoder *Encoder
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ node.Adapter[int, []byte] = (*EncodeAdapter[int])(nil)

// NewEncodeAdapter creates an EncodeAdapter
func NewEncodeAdapter[T any](record RecordAdapter[T], encoder *Encoder, opts ...AdapterOption) (*EncodeAdapter[T], error) {
	if record == nil || encoder == nil {
		return nil, errors.Invalidf("EncodeAdapter", "New", "record adapter and encoder are required")
	}
	o := buildAdapterOptions(encoder.Codec(), opts)
	return &EncodeAdapter[T]{record: record, encoder: encoder, logger: o.logger, metrics: o.metrics}, nil
}

// Encode converts and encodes v
func (a *EncodeAdapter[T]) Encode(v T) ([]byte, error) {
	native, err := a.record.ToNative(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "EncodeAdapter", "Encode", "convert record")
	}
	return a.encoder.Encode(native)
}

// Adapt implements node.Adapter
func (a *EncodeAdapter[T]) Adapt(v T) []byte {
	data, err := a.Encode(v)
	if err != nil {
		a.logger.Warn("avro encode failed", "mode", a.encoder.Mode().String(), "error", err)
		a.metrics.RecordCodecError(a.encoder.Codec().Name(), "encode")
		return nil
	}
	return data
}

// DecodeAdapter turns Avro bytes into *T. A failed decode or conversion
// yields nil, which pipelines drop.
type DecodeAdapter[T any] struct {
	record  RecordAdapter[T]
	decoder *Decoder
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ node.Adapter[[]byte, *int] = (*DecodeAdapter[int])(nil)

// NewDecodeAdapter creates a DecodeAdapter
func NewDecodeAdapter[T any](record RecordAdapter[T], decoder *Decoder, opts ...AdapterOption) (*DecodeAdapter[T], error) {
	if record == nil || decoder == nil {
		return nil, errors.Invalidf("DecodeAdapter", "New", "record adapter and decoder are required")
	}
	o := buildAdapterOptions(decoder.Codec(), opts)
	return &DecodeAdapter[T]{record: record, decoder: decoder, logger: o.logger, metrics: o.metrics}, nil
}

// Decode decodes data into T
func (a *DecodeAdapter[T]) Decode(data []byte) (T, error) {
	var zero T
	native, err := a.decoder.Decode(data)
	if err != nil {
		return zero, err
	}
	m, ok := native.(map[string]any)
	if !ok {
		return zero, errors.Invalidf("DecodeAdapter", "Decode", "%s is not a record schema", a.decoder.Codec().Name())
	}
	v, err := a.record.FromNative(m)
	if err != nil {
		return zero, errors.WrapInvalid(err, "DecodeAdapter", "Decode", "convert record")
	}
	return v, nil
}

// Adapt implements node.Adapter
func (a *DecodeAdapter[T]) Adapt(data []byte) *T {
	v, err := a.Decode(data)
	if err != nil {
		a.logger.Warn("avro decode failed", "bytes", len(data), "error", err)
		a.metrics.RecordCodecError(a.decoder.Codec().Name(), "decode")
		return nil
	}
	return &v
}
