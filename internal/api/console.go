package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// consoleMessage is the envelope every console subscriber receives
// (spec.md §6: {topic, payload, timestamp}).
type consoleMessage struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsoleHub fans alert.Publisher's console-bound messages out to every
// connected WS /ws/console client. It implements alert.ConsolePublisher
// (Publish) and metrics.ConsoleStats (ConsoleSubscriberCount), the same
// way the teacher's event broadcaster sits between the rules engine and
// the transport layer without either depending on the other directly.
type ConsoleHub struct {
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	clients    map[*websocket.Conn]chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
}

func NewConsoleHub(log zerolog.Logger) *ConsoleHub {
	return &ConsoleHub{
		log: log.With().Str("component", "console-hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]chan []byte),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 256),
	}
}

// Run processes registrations, unregistrations, broadcasts and keepalive
// pings until ctx is cancelled, closing every client on exit.
func (h *ConsoleHub) Run(ctx context.Context) {
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c, send := range h.clients {
				close(send)
				_ = c.Close()
			}
			h.clients = make(map[*websocket.Conn]chan []byte)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = make(chan []byte, 32)
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if send, ok := h.clients[c]; ok {
				close(send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			_ = c.Close()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c, send := range h.clients {
				select {
				case send <- msg:
				default:
					h.log.Warn().Msg("console client send buffer full, dropping")
					close(send)
					delete(h.clients, c)
					_ = c.Close()
				}
			}
			h.mu.Unlock()

		case <-ping.C:
			h.mu.Lock()
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = c.Close()
					if send, ok := h.clients[c]; ok {
						close(send)
						delete(h.clients, c)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements alert.ConsolePublisher: it marshals payload under
// topic and queues it for delivery to every connected client. A full
// broadcast channel drops the message rather than blocking the caller.
func (h *ConsoleHub) Publish(topic string, payload any) {
	b, err := json.Marshal(consoleMessage{Topic: topic, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal console message")
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.log.Warn().Str("topic", topic).Msg("console broadcast channel full, dropping message")
	}
}

// ConsoleSubscriberCount implements metrics.ConsoleStats.
func (h *ConsoleHub) ConsoleSubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and registers it with the
// hub. The per-connection writer pump lives here since http.Handler needs
// its own goroutine pair per client; the hub's Run loop only multiplexes.
func (h *ConsoleHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.register <- conn

	h.mu.Lock()
	send := h.clients[conn]
	h.mu.Unlock()

	go h.writePump(conn, send)
	h.readPump(conn)
}

func (h *ConsoleHub) writePump(conn *websocket.Conn, send chan []byte) {
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump only exists to detect client disconnects (console is
// server→client push only); any inbound frame is discarded.
func (h *ConsoleHub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
