// Package ws streams published documents to websocket clients.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

const writeWait = time.Second

// Message is the frame sent to clients.
type Message struct {
	Type report.Kind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub broadcasts every published document to its connected clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := h.add(conn)
	// Keep reading until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	clientsGauge.Inc()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, found := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if found {
		clientsGauge.Dec()
	}
	_ = c.conn.Close()
}

// Publish sends msg to every client. Clients that fail are dropped.
func (h *Hub) Publish(msg report.Message) error {
	// Marshal once for consistency across clients
	b, err := json.Marshal(Message{Type: msg.Kind, Data: json.RawMessage(msg.Body)})
	if err != nil {
		return err
	}
	h.mu.RLock()
	var failed []*client
	for c := range h.clients {
		if err := c.send(b); err != nil {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range failed {
		h.remove(c)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
	return nil
}
