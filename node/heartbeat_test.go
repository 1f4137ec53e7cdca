package node

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/notify"
)

func TestNewHeartbeatNode_Schedules(t *testing.T) {
	h, err := NewHeartbeatNode("hb", "5s", func() int { return 1 })
	require.NoError(t, err)
	assert.Equal(t, "@every 5s", h.Spec())

	h, err = NewHeartbeatNode("hb", "*/5 * * * *", func() int { return 1 })
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", h.Spec())

	_, err = NewHeartbeatNode("hb", "not a schedule", func() int { return 1 })
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = NewHeartbeatNode("hb", "-1s", func() int { return 1 })
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = NewHeartbeatNode[int]("hb", "1s", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestHeartbeatNode_BeatOnlyWhileRunning(t *testing.T) {
	var n atomic.Int64
	h, err := NewHeartbeatNode("hb", "1h", func() int64 { return n.Add(1) })
	require.NoError(t, err)

	var got []int64
	h.Notifier().AddListener(notify.ListenerFunc[int64](func(v int64) { got = append(got, v) }))

	assert.False(t, h.Beat())
	require.True(t, h.Start())
	assert.True(t, h.Beat())
	require.True(t, h.Pause())
	assert.False(t, h.Beat())
	require.True(t, h.Resume())
	assert.True(t, h.Beat())
	require.True(t, h.Stop())
	assert.False(t, h.Beat())

	assert.Equal(t, []int64{1, 2}, got)
}

func TestHeartbeatNode_Scheduled(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}
	var beats atomic.Int32
	h, err := NewHeartbeatNode("hb", "@every 1s", func() string { return "alive" })
	require.NoError(t, err)
	h.Notifier().AddListener(notify.ListenerFunc[string](func(string) { beats.Add(1) }))

	require.True(t, h.Start())
	defer h.Stop()

	assert.Eventually(t, func() bool { return beats.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
