package avro

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/node"
)

const jointSchema = `{
  "type": "record",
  "name": "JointPosition",
  "namespace": "org.jflux.robot",
  "fields": [
    {"name": "joint", "type": "string"},
    {"name": "angle", "type": "double"},
    {"name": "timestamp", "type": "long"},
    {"name": "enabled", "type": "boolean"},
    {"name": "tags", "type": {"type": "array", "items": "string"}},
    {"name": "note", "type": ["null", "string"], "default": null}
  ]
}`

type jointPosition struct {
	Joint     string
	Angle     float64
	Timestamp int64
	Enabled   bool
	Tags      []string
	Note      *string
}

var jointRecord = RecordFuncs[jointPosition]{
	To: func(j jointPosition) (map[string]any, error) {
		tags := make([]any, len(j.Tags))
		for i, t := range j.Tags {
			tags[i] = t
		}
		var note any
		if j.Note != nil {
			note = map[string]any{"string": *j.Note}
		}
		return map[string]any{
			"joint":     j.Joint,
			"angle":     j.Angle,
			"timestamp": j.Timestamp,
			"enabled":   j.Enabled,
			"tags":      tags,
			"note":      note,
		}, nil
	},
	From: func(m map[string]any) (jointPosition, error) {
		j := jointPosition{}
		var ok bool
		if j.Joint, ok = m["joint"].(string); !ok {
			return j, fmt.Errorf("joint missing")
		}
		j.Angle, _ = m["angle"].(float64)
		j.Timestamp, _ = m["timestamp"].(int64)
		j.Enabled, _ = m["enabled"].(bool)
		if raw, ok := m["tags"].([]any); ok {
			j.Tags = make([]string, 0, len(raw))
			for _, t := range raw {
				j.Tags = append(j.Tags, t.(string))
			}
		}
		if u, ok := m["note"].(map[string]any); ok {
			s := u["string"].(string)
			j.Note = &s
		}
		return j, nil
	},
}

func sample() jointPosition {
	note := "calibrated"
	return jointPosition{
		Joint:     "neck_pan",
		Angle:     0.25,
		Timestamp: 1700000000123,
		Enabled:   true,
		Tags:      []string{"head", "servo"},
		Note:      &note,
	}
}

func TestCodec_Name(t *testing.T) {
	c, err := NewCodec(jointSchema)
	require.NoError(t, err)
	assert.Equal(t, "org.jflux.robot.JointPosition", c.Name())
	assert.Contains(t, c.CanonicalSchema(), "org.jflux.robot.JointPosition")

	p, err := NewCodec(`"string"`)
	require.NoError(t, err)
	assert.Equal(t, "string", p.Name())
}

func TestNewCodec_Invalid(t *testing.T) {
	_, err := NewCodec(`{"type": "record", "name": "Broken", "fields": [{"name": "x"}]}`)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRoundTrip(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)

	noNote := sample()
	noNote.Note = nil
	noNote.Tags = []string{}

	for _, mode := range []Mode{Binary, JSON} {
		for _, in := range []jointPosition{sample(), noNote} {
			t.Run(mode.String(), func(t *testing.T) {
				enc, err := NewEncodeAdapter[jointPosition](jointRecord, NewEncoder(codec, mode))
				require.NoError(t, err)
				dec, err := NewDecodeAdapter[jointPosition](jointRecord, NewDecoder(codec, mode))
				require.NoError(t, err)

				data := enc.Adapt(in)
				require.NotEmpty(t, data)
				out := dec.Adapt(data)
				require.NotNil(t, out)
				if diff := cmp.Diff(in, *out); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestEncoder_JSONIsReadable(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)
	native, err := jointRecord.ToNative(sample())
	require.NoError(t, err)

	data, err := NewEncoder(codec, JSON).Encode(native)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"joint":"neck_pan"`)
}

func TestEncoder_Invalid(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)

	_, err = NewEncoder(codec, Binary).Encode(map[string]any{"joint": 42})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncodeFailed)
}

func TestDecoder_Invalid(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)
	dec := NewDecoder(codec, Binary)

	_, err = dec.Decode(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = dec.Decode([]byte{0x02})
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)

	native, err := jointRecord.ToNative(sample())
	require.NoError(t, err)
	data, err := NewEncoder(codec, Binary).Encode(native)
	require.NoError(t, err)
	_, err = dec.Decode(append(data, 0x00))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestDecodeAdapter_DropsAndCounts(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)
	reg := metric.NewMetricsRegistry()

	dec, err := NewDecodeAdapter[jointPosition](jointRecord, NewDecoder(codec, Binary), WithMetrics(reg))
	require.NoError(t, err)

	assert.Nil(t, dec.Adapt([]byte{0xff, 0xff}))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		reg.Metrics.CodecErrors.WithLabelValues("org.jflux.robot.JointPosition", "decode")))
}

func TestEncodeAdapter_ConversionFailure(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)
	failing := RecordFuncs[int]{
		To:   func(int) (map[string]any, error) { return nil, fmt.Errorf("no") },
		From: func(map[string]any) (int, error) { return 0, nil },
	}
	enc, err := NewEncodeAdapter[int](failing, NewEncoder(codec, Binary))
	require.NoError(t, err)
	assert.Nil(t, enc.Adapt(1))
}

func TestAdapters_InPipeline(t *testing.T) {
	codec, err := NewCodec(jointSchema)
	require.NoError(t, err)
	enc, err := NewEncodeAdapter[jointPosition](jointRecord, NewEncoder(codec, Binary))
	require.NoError(t, err)
	dec, err := NewDecodeAdapter[jointPosition](jointRecord, NewDecoder(codec, Binary))
	require.NoError(t, err)

	roundTrip := node.Compose[jointPosition, []byte, *jointPosition](enc, dec)
	out := roundTrip.Adapt(sample())
	require.NotNil(t, out)
	assert.Equal(t, "neck_pan", out.Joint)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("json")
	require.NoError(t, err)
	assert.Equal(t, JSON, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Binary, m)

	_, err = ParseMode("xml")
	assert.Error(t, err)
}
