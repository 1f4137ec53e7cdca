package avro

import (
	"encoding/json"
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/c360/jflux/errors"
)

// Mode selects the Avro encoding
type Mode int

const (
	// Binary is the compact Avro binary encoding
	Binary Mode = iota
	// JSON is the Avro JSON encoding
	JSON
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case Binary:
		return "binary"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseMode parses "binary" or "json"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "binary", "":
		return Binary, nil
	case "json":
		return JSON, nil
	default:
		return Binary, errors.Invalidf("avro", "ParseMode", "unknown mode %q", s)
	}
}

// Codec is a parsed Avro schema
type Codec struct {
	codec *goavro.Codec
	name  string
}

// NewCodec parses schemaJSON
func NewCodec(schemaJSON string) (*Codec, error) {
	c, err := goavro.NewCodec(schemaJSON)
	if err != nil {
		return nil, errors.WrapInvalid(err, "avro", "NewCodec", "parse schema")
	}
	return &Codec{codec: c, name: schemaName(schemaJSON)}, nil
}

// schemaName returns the full name of a named schema, or the primitive type
func schemaName(schemaJSON string) string {
	var named struct {
		Type      any    `json:"type"`
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &named); err != nil {
		var primitive string
		if json.Unmarshal([]byte(schemaJSON), &primitive) == nil {
			return primitive
		}
		return "schema"
	}
	switch {
	case named.Name != "" && named.Namespace != "":
		return named.Namespace + "." + named.Name
	case named.Name != "":
		return named.Name
	default:
		return fmt.Sprint(named.Type)
	}
}

// Name returns the schema's full name, used as a metric label
func (c *Codec) Name() string { return c.name }

// Schema returns the schema as given to NewCodec
func (c *Codec) Schema() string { return c.codec.Schema() }

// CanonicalSchema returns the Parsing Canonical Form of the schema
func (c *Codec) CanonicalSchema() string { return c.codec.CanonicalSchema() }

// Encoder writes Avro native values
type Encoder struct {
	codec *Codec
	mode  Mode
}

// NewEncoder creates an encoder for codec
func NewEncoder(codec *Codec, mode Mode) *Encoder {
	return &Encoder{codec: codec, mode: mode}
}

// Codec returns the encoder's codec
func (e *Encoder) Codec() *Codec { return e.codec }

// Mode returns the encoding mode
func (e *Encoder) Mode() Mode { return e.mode }

// Encode encodes native, which must match the schema: records are
// map[string]any, unions are nil or map[string]any{"type": value}.
func (e *Encoder) Encode(native any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch e.mode {
	case JSON:
		out, err = e.codec.codec.TextualFromNative(nil, native)
	default:
		out, err = e.codec.codec.BinaryFromNative(nil, native)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrEncodeFailed, err),
			"Encoder", "Encode", "encode "+e.codec.name)
	}
	return out, nil
}

// Decoder reads Avro native values
type Decoder struct {
	codec *Codec
	mode  Mode
}

// NewDecoder creates a decoder for codec
func NewDecoder(codec *Codec, mode Mode) *Decoder {
	return &Decoder{codec: codec, mode: mode}
}

// Codec returns the decoder's codec
func (d *Decoder) Codec() *Codec { return d.codec }

// Decode decodes one value. Trailing bytes after the value are an error.
func (d *Decoder) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Decoder", "Decode", "decode empty input")
	}
	var (
		native any
		rest   []byte
		err    error
	)
	switch d.mode {
	case JSON:
		native, rest, err = d.codec.codec.NativeFromTextual(data)
	default:
		native, rest, err = d.codec.codec.NativeFromBinary(data)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"Decoder", "Decode", "decode "+d.codec.name)
	}
	if d.mode == Binary && len(rest) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d trailing bytes", errors.ErrInvalidData, len(rest)),
			"Decoder", "Decode", "decode "+d.codec.name)
	}
	return native, nil
}
