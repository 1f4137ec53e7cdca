package play

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/metric"
)

func TestBase_Transitions(t *testing.T) {
	b := NewBase("test", Hooks{})
	assert.Equal(t, Stopped, b.PlayState())

	assert.False(t, b.Pause(), "pause requires running")
	assert.False(t, b.Resume(), "resume requires paused")

	require.True(t, b.Start())
	assert.Equal(t, Running, b.PlayState())
	assert.True(t, b.Start(), "start while running is a no-op")

	require.True(t, b.Pause())
	assert.Equal(t, Paused, b.PlayState())
	assert.False(t, b.Start(), "start while paused is not allowed")

	require.True(t, b.Resume())
	assert.Equal(t, Running, b.PlayState())

	require.True(t, b.Stop())
	assert.Equal(t, Stopped, b.PlayState())
	assert.True(t, b.Stop())
}

func TestBase_FailedHookMovesToError(t *testing.T) {
	fail := true
	b := NewBase("flaky", Hooks{OnStart: func() bool { return !fail }})

	assert.False(t, b.Start())
	assert.Equal(t, Error, b.PlayState())

	fail = false
	assert.True(t, b.Start(), "start is allowed from error")
	assert.Equal(t, Running, b.PlayState())
}

func TestBase_StopFromError(t *testing.T) {
	b := NewBase("err", Hooks{OnStart: func() bool { return false }})
	b.Start()
	require.Equal(t, Error, b.PlayState())
	assert.True(t, b.Stop())
	assert.Equal(t, Stopped, b.PlayState())
}

func TestBase_HooksCalledOnce(t *testing.T) {
	var starts, stops int
	b := NewBase("count", Hooks{
		OnStart: func() bool { starts++; return true },
		OnStop:  func() bool { stops++; return true },
	})
	b.Start()
	b.Start()
	b.Stop()
	b.Stop()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestBase_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	b := NewBase("metered", Hooks{}, WithMetrics(reg))
	b.Start()
	assert.Equal(t, float64(Running), testutil.ToFloat64(reg.Metrics.PlayState.WithLabelValues("metered")))
	b.Pause()
	assert.Equal(t, float64(Paused), testutil.ToFloat64(reg.Metrics.PlayState.WithLabelValues("metered")))
}

func TestPlayState_String(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "unknown", PlayState(42).String())
}
