package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/stock-exchange/internal/exchange"
	"github.com/atmx/stock-exchange/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSHub fans committed ledger events out to every connected WebSocket
// client. It implements exchange.Publisher.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewWSHub creates a hub. Run must be started before clients connect.
func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's event loop and returns after Close.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Close disconnects every client and stops Run.
func (h *WSHub) Close() {
	close(h.done)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for broadcast. It never blocks: events are
// dropped when the buffer is full.
func (h *WSHub) Publish(e exchange.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("ws event encode failed", "type", e.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("ws broadcast buffer full, event dropped", "type", e.Type, "stock", e.StockID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws to a price feed.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: the feed is one-way, reads only detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
