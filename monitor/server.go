package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/health"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/registry"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	pingPeriod          = 30 * time.Second
	readTimeout         = 2 * pingPeriod

	// registry queries per second, and burst, served by /services
	defaultQueryRate  = 100
	defaultQueryBurst = 10
)

// Event is one registry event as streamed to clients
type Event struct {
	Type      registry.EventType `json:"type"`
	Reference registry.Reference `json:"reference"`
	Timestamp time.Time          `json:"timestamp"`
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealth serves /health from m
func WithHealth(m *health.Monitor, system string) Option {
	return func(s *Server) {
		s.health = m
		s.system = system
	}
}

// WithMetrics registers the client gauge and drop counter
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metricsRegistry = registry }
}

// WithQueueSize bounds each client's outbound queue
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithQueryLimit bounds /services queries. Excess requests get 429.
func WithQueryLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.queryLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// Server exposes registry state and events over HTTP and WebSocket
type Server struct {
	reg             registry.Registry
	health          *health.Monitor
	system          string
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	queueSize       int
	writeTimeout    time.Duration
	upgrader        websocket.Upgrader
	queryLimiter    *rate.Limiter

	clientsConnected prometheus.Gauge
	eventsDropped    prometheus.Counter

	lifecycleMu sync.Mutex
	listener    registry.ListenerHandle
	attached    bool
	server      *http.Server
	addr        net.Addr

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	wg        sync.WaitGroup
}

// New creates a monitor for reg
func New(reg registry.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errors.Invalidf("monitor", "New", "registry is nil")
	}
	s := &Server{
		reg:          reg,
		system:       "jflux",
		logger:       slog.Default().With("component", "monitor"),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:      make(map[*client]struct{}),
		queryLimiter: rate.NewLimiter(rate.Limit(defaultQueryRate), defaultQueryBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jflux",
		Subsystem: "monitor",
		Name:      "clients_connected",
		Help:      "Connected WebSocket event clients",
	})
	s.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jflux",
		Subsystem: "monitor",
		Name:      "events_dropped_total",
		Help:      "Events evicted from slow client queues",
	})
	if s.metricsRegistry != nil {
		if err := s.metricsRegistry.RegisterGauge("monitor", "clients_connected", s.clientsConnected); err != nil {
			return nil, err
		}
		if err := s.metricsRegistry.RegisterCounter("monitor", "events_dropped", s.eventsDropped); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

// Attach subscribes to every registry event. Start calls it.
func (s *Server) Attach() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.attachLocked()
}

func (s *Server) attachLocked() error {
	if s.attached {
		return nil
	}
	h, err := s.reg.AddListener(registry.Descriptor{}, notify.ListenerFunc[registry.RegistryEvent](s.broadcast))
	if err != nil {
		return errors.WrapTransient(err, "monitor", "Attach", "add registry listener")
	}
	s.listener = h
	s.attached = true
	return nil
}

// Start attaches to the registry and serves on addr in the background
func (s *Server) Start(addr string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "monitor", "Start", "start monitor")
	}
	if err := s.attachLocked(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "monitor", "Start", "listen on "+addr)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitor server stopped", "error", err)
		}
	}()
	s.logger.Info("Monitor listening", "addr", s.addr.String())
	return nil
}

// Addr returns the bound address after Start
func (s *Server) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Stop detaches from the registry, shuts the HTTP server down and closes
// every client
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.attached {
		s.reg.RemoveListener(s.listener)
		s.attached = false
	}
	srv := s.server
	s.server = nil
	s.lifecycleMu.Unlock()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = errors.WrapTransient(err, "monitor", "Stop", "shutdown HTTP server")
		}
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		s.removeClient(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Monitor clients did not exit before deadline")
	}
	return shutdownErr
}

// ClientCount returns the number of connected event clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if !s.queryLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}
	d := registry.Descriptor{Extra: r.URL.Query().Get("filter")}
	refs, err := s.reg.FindAll(r.Context(), d)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if refs == nil {
		refs = []registry.Reference{}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy(s.system, "No health monitor configured"))
		return
	}
	s.health.Refresh()
	status := s.health.AggregateHealth(s.system)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
