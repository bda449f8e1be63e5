package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"continuity-engine/internal/events"
	"continuity-engine/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one websocket connection. A non-empty subscriberID limits
// delivery to events about that subscriber.
type WSClient struct {
	conn         *websocket.Conn
	send         chan []byte
	hub          *WSHub
	subscriberID string
}

type wsMessage struct {
	subscriberID string
	data         []byte
}

// WSHub fans engine events out to websocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(m *metrics.Metrics, logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan wsMessage, 1024),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger.With().Str("component", "WebSocket").Logger(),
	}
}

// Run serves the hub until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.WebsocketConnected()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.WebsocketDisconnected()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.subscriberID != "" && client.subscriberID != msg.subscriberID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow consumer; unregister outside the lock
					go func(c *WSClient) {
						select {
						case h.unregister <- c:
						case <-h.done:
						}
					}(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				h.metrics.WebsocketDisconnected()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastEvent queues an event for every interested client.
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	subscriberID, _ := event.Data["subscriber_id"].(string)
	select {
	case h.broadcast <- wsMessage{subscriberID: subscriberID, data: data}:
	default:
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Broadcast channel full, dropping message")
	}
}

// GetClientCount returns the number of connected clients
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug().Err(err).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are processed.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// InitWebSocket starts a hub fed by every event on the bus.
func InitWebSocket(eventBus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *WSHub {
	hub := NewWSHub(m, logger)
	go hub.Run()

	eventBus.SubscribeAll(func(event events.Event) {
		hub.BroadcastEvent(event)
	})

	hub.logger.Info().Msg("WebSocket hub initialized")
	return hub
}

// handleWebSocket upgrades /ws/events. ?subscriber_id= narrows the stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &WSClient{
		conn:         conn,
		send:         make(chan []byte, 256),
		hub:          s.hub,
		subscriberID: c.Query("subscriber_id"),
	}

	welcome := map[string]interface{}{
		"type":          "CONNECTED",
		"message":       "WebSocket connection established",
		"subscriber_id": client.subscriberID,
		"timestamp":     time.Now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.send <- data
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
