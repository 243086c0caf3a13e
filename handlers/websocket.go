package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duochat/chat"
	"duochat/logger"
	"duochat/metrics"
	"duochat/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds client frames; they only carry control messages.
	maxFrameSize = 4096
)

const viewReplacedNotice = "Chat opened in another window. This window no longer receives live updates."

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a WebSocket client. It is also the view of the user's
// chat session, so conversation state is pushed straight to its socket.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	session *chat.Session

	mu     sync.Mutex
	closed bool
}

// ShowConversation queues a "messages" frame carrying the full conversation state
func (c *Client) ShowConversation(conversationID string, messages []models.Message) {
	if messages == nil {
		messages = []models.Message{}
	}
	c.sendFrame(models.WebSocketMessage{
		Type:    "messages",
		Payload: models.ConversationState{ConversationID: conversationID, Messages: messages},
	})
}

func (c *Client) sendFrame(msg models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.L.Error("marshal websocket frame failed", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(data)
}

// enqueue never blocks. A client that cannot keep up is disconnected; it
// gets the full state again when it reconnects.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.L.Warn("websocket client too slow, disconnecting", "user", c.userID)
		c.closed = true
		close(c.send)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub maintains the set of active clients
type Hub struct {
	clients    map[string]map[*Client]struct{} // userID -> clients
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastPayload
	done       chan struct{}
	mutex      sync.RWMutex
}

type BroadcastPayload struct {
	UserID  string
	Message []byte
}

// NewHub creates a hub; call Run to start it
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastPayload, 256),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for _, set := range h.clients {
				for client := range set {
					client.close()
				}
			}
			h.clients = make(map[string]map[*Client]struct{})
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.mutex.Unlock()
			metrics.WebsocketClients.Inc()
			logger.L.Info("client connected", "user", client.userID)

			if !ok {
				h.broadcastOnlineStatus(client.userID, true)
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			set := h.clients[client.userID]
			_, ok := set[client]
			if ok {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.userID)
				}
			}
			last := ok && len(set) == 0
			h.mutex.Unlock()
			client.close()
			if ok {
				metrics.WebsocketClients.Dec()
				logger.L.Info("client disconnected", "user", client.userID)
			}

			if last {
				h.broadcastOnlineStatus(client.userID, false)
			}

		case payload := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients[payload.UserID] {
				client.enqueue(payload.Message)
			}
			h.mutex.RUnlock()
		}
	}
}

// IsUserOnline checks if a user has at least one open connection
func (h *Hub) IsUserOnline(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[userID]) > 0
}

// SendToUser sends a frame to every connection of a user
func (h *Hub) SendToUser(userID string, msg models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.L.Error("marshal websocket frame failed", "type", msg.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- BroadcastPayload{UserID: userID, Message: data}:
	case <-h.done:
	}
}

// broadcastOnlineStatus notifies all connected clients about online status change
func (h *Hub) broadcastOnlineStatus(userID string, online bool) {
	data, _ := json.Marshal(models.WebSocketMessage{
		Type: "online_status",
		Payload: map[string]interface{}{
			"user_id": userID,
			"online":  online,
		},
	})

	h.mutex.RLock()
	for id, set := range h.clients {
		if id == userID {
			continue
		}
		for client := range set {
			client.enqueue(data)
		}
	}
	h.mutex.RUnlock()
}

// HandleWebSocket upgrades the connection and attaches it to the caller's
// chat session as its view
func (a *API) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, user := a.chatSession(r)
	if session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "user", user.ID, "error", err)
		return
	}

	client := &Client{
		hub:     a.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  user.ID,
		session: session,
	}

	select {
	case a.hub.register <- client:
	case <-a.hub.done:
		conn.Close()
		return
	}

	go client.writePump()

	if prev, ok := session.SetView(client).(*Client); ok && prev != client {
		prev.notice(viewReplacedNotice)
	}
	// a selection made before this socket opened gets its state now
	if id := session.Selected(); id != "" {
		if err := session.SelectConversation(context.Background(), id); err != nil {
			client.notice(err.Error())
		}
	}
	if items, err := a.chatList(r.Context(), user.ID); err == nil {
		client.sendFrame(models.WebSocketMessage{Type: "chats", Payload: items})
	} else {
		logger.L.Warn("initial chat list failed", "user", user.ID, "error", err)
	}

	go client.readPump()
}

type clientFrame struct {
	Type    string `json:"type"`
	Payload struct {
		ConversationID string `json:"conversation_id"`
	} `json:"payload"`
}

func (c *Client) notice(text string) {
	c.sendFrame(models.WebSocketMessage{Type: "notice", Payload: map[string]string{"message": text}})
}

func (c *Client) readPump() {
	defer func() {
		c.session.DetachView(c)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L.Warn("websocket read failed", "user", c.userID, "error", err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "select":
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.session.SelectConversation(ctx, frame.Payload.ConversationID)
			cancel()
			if err != nil {
				_, msg := conversationErrorStatus(err)
				c.notice(msg)
			}
		case "unsubscribe":
			c.session.Unsubscribe()
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
