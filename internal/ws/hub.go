package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"whatsapp-inbox/internal/metrics"
	"whatsapp-inbox/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventNewMessage         = "new_message"
	EventConversationUpdate = "conversation_update"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from a different origin
	},
}

// Gate decides whether a room subscriber gets an event.
type Gate interface {
	ShouldEmitToUser(user models.Employee, conv models.Conversation) bool
}

// PhoneLister gives the phone rooms an employee joins on connect.
type PhoneLister interface {
	AllowedPhoneIDs(role models.Role, areas []string) []string
}

// Event is a conversation-scoped push. It is delivered to the room of
// Conversation.BusinessPhoneID only.
type Event struct {
	Type         string
	Conversation models.Conversation
	Data         interface{}
}

type wireEvent struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Data           interface{} `json:"data"`
}

// Client is one connected dashboard tab.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	user  models.Employee
	rooms []string
}

// Hub keeps phone rooms of connected employees and fans events out to them.
type Hub struct {
	rooms      map[string]map[*Client]bool
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	publish    chan Event
	done       chan struct{}
	mu         sync.RWMutex

	gate    Gate
	phones  PhoneLister
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(gate Gate, phones PhoneLister, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan Event, sendBuffer),
		done:       make(chan struct{}),
		gate:       gate,
		phones:     phones,
		log:        log,
		metrics:    m,
	}
}

// Run owns room membership until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			for _, phoneID := range c.rooms {
				if h.rooms[phoneID] == nil {
					h.rooms[phoneID] = make(map[*Client]bool)
				}
				h.rooms[phoneID][c] = true
			}
			h.mu.Unlock()
			h.log.Debug("websocket client registered",
				zap.String("user_id", c.user.ID),
				zap.Strings("rooms", c.rooms),
			)
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
			h.log.Debug("websocket client unregistered", zap.String("user_id", c.user.ID))
		case ev := <-h.publish:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev Event) {
	payload, err := json.Marshal(wireEvent{
		Type:           ev.Type,
		ConversationID: ev.Conversation.ID,
		Data:           ev.Data,
	})
	if err != nil {
		h.log.Error("marshal websocket event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[ev.Conversation.BusinessPhoneID] {
		if !h.gate.ShouldEmitToUser(c.user, ev.Conversation) {
			h.metrics.ObserveEmit(ev.Type, false)
			continue
		}
		select {
		case c.send <- payload:
			h.metrics.ObserveEmit(ev.Type, true)
		default:
			h.log.Warn("dropping slow websocket client", zap.String("user_id", c.user.ID))
			h.removeLocked(c)
		}
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for _, phoneID := range c.rooms {
		delete(h.rooms[phoneID], c)
		if len(h.rooms[phoneID]) == 0 {
			delete(h.rooms, phoneID)
		}
	}
	close(c.send)
}

// Publish queues ev for delivery. Events published after the hub stopped
// are discarded.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	case <-h.done:
	}
}

// NotifyMessage pushes a stored message of conv.
func (h *Hub) NotifyMessage(conv models.Conversation, msg models.Message) {
	h.Publish(Event{Type: EventNewMessage, Conversation: conv, Data: msg})
}

// NotifyConversation pushes a changed conversation record.
func (h *Hub) NotifyConversation(conv models.Conversation) {
	h.Publish(Event{Type: EventConversationUpdate, Conversation: conv, Data: conv})
}

// Subscribers counts the clients in a phone room.
func (h *Hub) Subscribers(phoneID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[phoneID])
}

// ServeWs upgrades the request and joins user to the rooms of every phone
// their role and areas may use.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, user models.Employee) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		user:  user,
		rooms: h.phones.AllowedPhoneIDs(user.Role, user.AllotedArea),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The dashboard only listens; reads keep control frames flowing.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
