package directory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

func sampleEntry() registry.DirectoryEntry {
	return registry.DirectoryEntry{
		ID:         "abc",
		Seq:        3,
		NodeID:     "node1",
		ClassNames: []string{"greeter.Greeter"},
		Properties: map[string]any{"lang": "en", "service.ranking": float64(5)},
	}
}

func TestEntryCodec(t *testing.T) {
	data, err := encodeEntry(sampleEntry())
	require.NoError(t, err)

	got, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), got)

	_, err = decodeEntry([]byte(`{"id":"x"}`))
	assert.True(t, errors.IsInvalid(err))

	_, err = decodeEntry([]byte(`not json`))
	assert.True(t, errors.IsInvalid(err))
}

func TestRedisChange(t *testing.T) {
	d := NewRedis(nil, "/jflux/test/")
	assert.Equal(t, "/jflux/test:entries", d.hash)
	assert.Equal(t, "/jflux/test:changes", d.channel)

	e := sampleEntry()
	put, _ := json.Marshal(redisChange{Op: redisOpPut, Key: e.Key(), Entry: &e})
	ch, ok := d.change(string(put))
	require.True(t, ok)
	assert.Equal(t, registry.ChangePut, ch.Op)
	assert.Equal(t, "node1.abc", ch.Key)
	assert.Equal(t, e, ch.Entry)

	del, _ := json.Marshal(redisChange{Op: redisOpDelete, Key: "node1.abc"})
	ch, ok = d.change(string(del))
	require.True(t, ok)
	assert.Equal(t, registry.ChangeDelete, ch.Op)

	_, ok = d.change(`{"op":"put","key":"k"}`)
	assert.False(t, ok)
	_, ok = d.change(`{"op":"rename"}`)
	assert.False(t, ok)
	_, ok = d.change(`garbage`)
	assert.False(t, ok)
}

func TestEtcdConfig_Validate(t *testing.T) {
	assert.Error(t, EtcdConfig{}.Validate())
	assert.Error(t, EtcdConfig{Endpoints: []string{"x:2379"}, TTL: 10 * time.Millisecond}.Validate())
	assert.NoError(t, EtcdConfig{Endpoints: []string{"x:2379"}, TTL: 5 * time.Second}.Validate())
}

func TestNewEtcd_Prefix(t *testing.T) {
	assert.Equal(t, DefaultPrefix, NewEtcd(nil, "", 0).Prefix())
	assert.Equal(t, "/svc/", NewEtcd(nil, "/svc", 0).Prefix())
}

func TestOpen_Invalid(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Backend: "zookeeper"}, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = Open(ctx, Config{Backend: BackendNATS}, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = Open(ctx, Config{Backend: BackendEtcd}, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = Open(ctx, Config{Backend: BackendRedis}, nil)
	assert.True(t, errors.IsInvalid(err))
}
