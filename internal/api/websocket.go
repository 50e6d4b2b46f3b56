package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin is accepted; /ws/dashboard is mounted outside the admin group
	},
}

// Hub maintains the set of live-dashboard websocket clients and broadcasts
// per-detection summaries to all of them. It implements
// learning.Broadcaster so the DashboardHandler can push without knowing
// about websockets.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	log       zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		log:       log,
	}
}

// Run drains the broadcast channel until it is closed.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps a stalled client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug().Err(err).Msg("dashboard websocket write failed, dropping client")
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	h.log.Debug().Int("clients", total).Msg("dashboard client connected")

	// Push-only stream, but reads must be drained to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast implements learning.Broadcaster. Non-blocking: if the hub's
// channel is full, the summary is dropped (the dashboard is best-effort).
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
	}
}
