package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/jflux/pkg/buffer"
	"github.com/c360/jflux/registry"
)

type client struct {
	conn      *websocket.Conn
	queue     *buffer.CircularBuffer[[]byte]
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	queue, err := buffer.NewCircularBuffer[[]byte](s.queueSize,
		buffer.WithDropCallback[[]byte](func([]byte) { s.eventsDropped.Inc() }),
	)
	if err != nil {
		_ = conn.Close()
		return
	}

	c := &client{
		conn:  conn,
		queue: queue,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.clientsConnected.Set(float64(count))
	s.logger.Debug("Event client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// broadcast queues ev for every client. It runs on the registry's
// notifying goroutine and never blocks on a socket.
func (s *Server) broadcast(ev registry.RegistryEvent) {
	data, err := json.Marshal(Event{Type: ev.Type, Reference: ev.Reference, Timestamp: time.Now().UTC()})
	if err != nil {
		s.logger.Warn("Failed to marshal registry event", "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.queue.Add(data)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.wake:
			for _, msg := range c.queue.Values() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					s.logger.Debug("Event client write failed", "error", err)
					return
				}
			}
		}
	}
}

// readLoop discards client frames; it exists to observe close and pong
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)

		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()
		s.clientsConnected.Set(float64(count))

		_ = c.conn.Close()
	})
}
