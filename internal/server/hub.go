package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Sample is one decoded value as sent to websocket clients.
type Sample struct {
	Measurement string  `json:"measurement"`
	Field       string  `json:"field"`
	Value       float64 `json:"value"`
	Stamp       int64   `json:"stamp"` // Unix ms
}

// Message is the JSON structure sent to all websocket clients.
type Message struct {
	Samples []Sample `json:"samples"`
	Stamp   int64    `json:"stamp"` // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a sink that broadcasts every sample to connected websocket clients
// and remembers the latest value per field.
type Hub struct {
	log logrus.FieldLogger
	now func() time.Time

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	closed    bool

	latest   map[string]Sample
	latestMu sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log:     log.WithField("component", "ws"),
		now:     time.Now,
		clients: make(map[*wsClient]struct{}),
		latest:  make(map[string]Sample),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Name() string { return "websocket" }

// Publish records the sample and broadcasts it. Slow clients miss samples
// rather than stalling the caller.
func (h *Hub) Publish(ctx context.Context, measurement, field string, value float64) error {
	s := Sample{
		Measurement: measurement,
		Field:       field,
		Value:       value,
		Stamp:       h.now().UnixMilli(),
	}
	h.latestMu.Lock()
	h.latest[measurement+"/"+field] = s
	h.latestMu.Unlock()

	h.broadcast(Message{Samples: []Sample{s}, Stamp: s.Stamp})
	return nil
}

// Latest returns the most recent sample of every field, sorted by field.
func (h *Hub) Latest() []Sample {
	h.latestMu.RLock()
	out := make([]Sample, 0, len(h.latest))
	for _, s := range h.latest {
		out = append(out, s)
	}
	h.latestMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Measurement != out[j].Measurement {
			return out[i].Measurement < out[j].Measurement
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
	}
	return nil
}

// ServeHTTP upgrades the request and registers the client. The client first
// receives a snapshot of the latest values.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.clientsMu.RLock()
	closed := h.closed
	h.clientsMu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the snapshot while the buffer is still private to this handler
	snapshot := Message{Samples: h.Latest(), Stamp: h.now().UnixMilli()}
	if data, err := json.Marshal(snapshot); err == nil {
		client.send <- data
	}

	h.clientsMu.Lock()
	if h.closed {
		h.clientsMu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()

	h.log.Infof("client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			close(client.send)
			h.clientsMu.Unlock()
			h.log.Infof("client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
