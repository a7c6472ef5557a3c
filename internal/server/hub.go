package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"samgpt/internal/logging"
	"samgpt/internal/observability"
)

// Event stream frame kinds.
const (
	KindCircuit  = "circuit"
	KindDispatch = "dispatch"
	KindNotice   = "notice"
)

// Envelope is one event stream frame.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

const (
	clientSendBuffer = 16
	clientWriteWait  = 10 * time.Second
	clientReadLimit  = 512
)

// Hub fans broker lifecycle events out to connected UI clients. Clients that
// cannot keep up are dropped rather than allowed to stall event producers.
type Hub struct {
	logger  logging.Logger
	metrics *observability.MetricsCollector

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger),
		clients: make(map[*client]struct{}),
	}
}

// SetMetrics attaches the event stream connection and message metrics. Must
// be called before the first connection; a nil collector stays a no-op.
func (h *Hub) SetMetrics(m *observability.MetricsCollector) {
	h.metrics = m
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so close and ping frames are processed. The
// stream is one-way; client payloads are ignored.
func (c *client) readPump() {
	c.conn.SetReadLimit(clientReadLimit)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeConn owns one UI connection until it drops.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	cl := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.IncrementWSConnections(context.Background())
	h.logger.Debug("Event stream client connected (%d active)", count)

	go cl.writePump()
	cl.readPump()

	h.remove(cl)
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	_, known := h.clients[cl]
	if known {
		delete(h.clients, cl)
	}
	count := len(h.clients)
	h.mu.Unlock()

	cl.close()
	if known {
		h.metrics.DecrementWSConnections(context.Background())
		h.logger.Debug("Event stream client disconnected (%d active)", count)
	}
}

// Broadcast encodes one event and queues it on every connected client.
func (h *Hub) Broadcast(kind string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("Failed to encode %s event: %v", kind, err)
		return
	}
	frame, err := json.Marshal(Envelope{Kind: kind, Data: payload, At: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("Failed to encode event frame: %v", err)
		return
	}

	var stale []*client
	h.mu.RLock()
	for cl := range h.clients {
		select {
		case cl.send <- frame:
			h.metrics.RecordWSMessage(context.Background(), kind, len(frame))
		default:
			stale = append(stale, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range stale {
		h.logger.Warn("Dropping slow event stream client")
		h.remove(cl)
	}
}

// ClientCount reports connected clients, for the health surface.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, cl := range clients {
		cl.close()
		h.metrics.DecrementWSConnections(context.Background())
	}
}
