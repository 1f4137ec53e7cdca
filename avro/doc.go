// Package avro encodes and decodes Avro records for the message transport.
//
// A Codec wraps one parsed schema. Encoder and Decoder run in Binary or JSON
// mode; the bytes are the raw Avro encoding with no framing:
//
//	codec, err := avro.NewCodec(schemaJSON)
//	enc := avro.NewEncoder(codec, avro.Binary)
//	data, err := enc.Encode(map[string]any{"name": "pan", "angle": 0.5})
//
// RecordAdapter converts between a Go type and the Avro native map form.
// EncodeAdapter and DecodeAdapter put a codec into a node pipeline: failures
// are logged and counted, and the item is dropped.
package avro
