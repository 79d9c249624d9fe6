package websocket

import (
	"context"
	"sync"

	"ExamShieldAPI/internal/logger"
)

// Message types pushed to dashboards.
const (
	MessageIncident     = "INCIDENT"
	MessageScore        = "SCORE"
	MessageNotification = "NOTIFICATION"
	MessageReport       = "REPORT"
	MessageSession      = "SESSION"
	MessagePolling      = "POLLING"
)

// Message defines the generic structure for WS communication
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *logger.Logger
	mu         sync.RWMutex

	// Greeting, when set, produces the messages a client receives right
	// after it connects.
	Greeting func() []Message
	// OnClientCount, when set, is told the number of connected clients
	// after every change.
	OnClientCount func(n int)
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		log:        log,
	}
}

// Run starts the hub logic in a goroutine. It listens for context cancellation for clean shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("WebSocket Hub shutting down...")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("New WS Client connected. Total: %d", n)
			h.greet(client)
			h.countChanged(n)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.countChanged(n)
		case message := <-h.broadcast:
			h.mu.Lock()
			dropped := 0
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					dropped++
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			if dropped > 0 {
				h.log.Warn("Dropped %d slow WS clients", dropped)
				h.countChanged(n)
			}
		}
	}
}

// Broadcast queues a message for all connected clients. It never blocks the
// caller; when the queue is full the message is dropped.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	select {
	case h.broadcast <- Message{Type: msgType, Payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("WS broadcast queue full, dropping %s message", msgType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) greet(client *Client) {
	if h.Greeting == nil {
		return
	}
	for _, msg := range h.Greeting() {
		select {
		case client.send <- msg:
		default:
			return
		}
	}
}

func (h *Hub) countChanged(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
