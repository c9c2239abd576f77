package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

const (
	streamBuffer     = 8
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub fans controller state changes out to websocket clients. Register
// Listen as a controller listener.
type Hub struct {
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	send chan domain.View
	done chan struct{}
}

// NewHub creates an empty Hub.
func NewHub(metrics *observability.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		metrics: metrics,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Listen queues s for every client without blocking. A client that falls
// behind loses its oldest queued view.
func (h *Hub) Listen(s domain.State) {
	v := domain.NewView(s)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- v:
			continue
		default:
		}
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- v:
		default:
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.done)
		delete(h.clients, c)
	}
	h.metrics.StreamListeners.Set(0)
}

func (h *Hub) subscribe() (*streamClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &streamClient{send: make(chan domain.View, streamBuffer), done: make(chan struct{})}
	h.clients[c] = struct{}{}
	h.metrics.StreamListeners.Set(float64(len(h.clients)))
	return c, true
}

// drain discards views queued before the caller reads the current snapshot.
// They are no newer than that snapshot.
func (c *streamClient) drain() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func (h *Hub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	close(c.done)
	delete(h.clients, c)
	h.metrics.StreamListeners.Set(float64(len(h.clients)))
}

// handleStream sends the current view on connect and then one view per
// state change until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client, ok := s.hub.subscribe()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(streamWriteWait))
		return
	}
	defer s.hub.unsubscribe(client)

	// Deadlines set by the http.Server do not apply to the stream.
	_ = conn.SetReadDeadline(time.Time{})

	// Drain client frames so close and pong frames are processed.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("stream client read error", "error", err)
				}
				return
			}
		}
	}()

	client.drain()
	if err := writeView(conn, domain.NewView(s.ctrl.Snapshot())); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case v := <-client.send:
			if err := writeView(conn, v); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(streamWriteWait))
			return
		case <-readerDone:
			return
		}
	}
}

func writeView(conn *websocket.Conn, v domain.View) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
