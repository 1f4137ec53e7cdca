package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/health"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/pkg/buffer"
	"github.com/c360/jflux/registry"
)

func startServer(t *testing.T, opts ...Option) (*Server, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry(registry.WithNodeID("robot01"))
	s, err := New(reg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, reg
}

func register(t *testing.T, reg registry.Registry, class string, props map[string]any) registry.Certificate {
	t.Helper()
	cert, err := reg.Register(context.Background(), registry.RegistrationRequest{
		ClassNames: []string{class},
		Service:    class + "-impl",
		Properties: props,
	})
	require.NoError(t, err)
	return cert
}

func TestServer_Services(t *testing.T) {
	s, reg := startServer(t)
	register(t, reg, "org.jflux.Planner", map[string]any{"arm": "left"})
	register(t, reg, "org.jflux.Gripper", nil)

	resp, err := http.Get("http://" + s.Addr() + "/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var refs []registry.Reference
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refs))
	assert.Len(t, refs, 2)

	resp2, err := http.Get("http://" + s.Addr() + "/services?filter=(arm=left)")
	require.NoError(t, err)
	defer resp2.Body.Close()
	refs = nil
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&refs))
	require.Len(t, refs, 1)
	assert.Equal(t, []string{"org.jflux.Planner"}, refs[0].ClassNames)
}

func TestServer_ServicesEmptyAndInvalidFilter(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s, err := New(reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services?filter=(broken", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ServicesRateLimited(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s, err := New(reg, WithQueryLimit(0.001, 2))
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_Health(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	hm := health.NewMonitor()
	s, err := New(reg, WithHealth(hm, "robot01"))
	require.NoError(t, err)

	hm.UpdateDegraded("planner", "Waiting for mandatory dependencies")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "robot01", status.Component)
	assert.True(t, status.IsDegraded())

	hm.UpdateUnhealthy("vision", "Failed")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_EventStream(t *testing.T) {
	s, reg := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cert := register(t, reg, "org.jflux.Planner", nil)
	require.NoError(t, reg.Unregister(context.Background(), cert))

	var types []string
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev struct {
			Type      string             `json:"type"`
			Reference registry.Reference `json:"reference"`
			Timestamp time.Time          `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, []string{"org.jflux.Planner"}, ev.Reference.ClassNames)
		assert.False(t, ev.Timestamp.IsZero())
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"registered", "unregistering"}, types)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopDetachesListener(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s, err := New(reg)
	require.NoError(t, err)

	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.Equal(t, 1, reg.ListenerCount())
	assert.Error(t, s.Start("127.0.0.1:0"))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, reg.ListenerCount())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestServer_SlowClientDropsOldest(t *testing.T) {
	metrics := metric.NewMetricsRegistry()
	reg := registry.NewMemoryRegistry()
	s, err := New(reg, WithQueueSize(2), WithMetrics(metrics))
	require.NoError(t, err)

	// A client with no writer never drains
	queue, err := buffer.NewCircularBuffer[[]byte](s.queueSize,
		buffer.WithDropCallback[[]byte](func([]byte) { s.eventsDropped.Inc() }))
	require.NoError(t, err)
	c := &client{queue: queue, wake: make(chan struct{}, 1), done: make(chan struct{})}
	s.clients[c] = struct{}{}

	for i := 0; i < 5; i++ {
		s.broadcast(registry.RegistryEvent{Type: registry.EventModified, Reference: registry.Reference{ID: string(rune('a' + i))}})
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(s.eventsDropped))
	pending := c.queue.ValueList()
	require.Len(t, pending, 2)
	assert.Contains(t, string(pending[1]), `"id":"e"`)

	// Metrics are registered once per registry
	_, err = New(reg, WithMetrics(metrics))
	assert.Error(t, err)
}

func TestNew_NilRegistry(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
