package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP payloads from the media
	// bridge can run tens of kilobytes.
	maxMessageSize = 128 * 1024
)

// Command is one inbound frame from a browser tab.
type Command struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chatId,omitempty"`
	Text      string   `json:"text,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	CallType  CallType `json:"callType,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Client is a middleman between one ws connection (one browser tab) and the
// Hub.
type Client struct {
	Hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound event payloads.
	send chan []byte

	userID string

	// Inbound command dispatch, supplied by the gateway.
	handle func(c *Client, cmd Command)

	// Per-tab subscriptions cancelled when the tab goes away, keyed so a
	// newer watch replaces an older one for the same concern.
	mu        sync.Mutex
	teardowns map[string]func()
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, handle func(c *Client, cmd Command)) *Client {
	return &Client{
		Hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 32),
		userID:    userID,
		handle:    handle,
		teardowns: make(map[string]func()),
	}
}

// UserID returns the user this tab belongs to.
func (c *Client) UserID() string { return c.userID }

// SetTeardown registers fn to run when the tab disconnects, replacing (and
// running) any previous teardown under the same key. Used to cancel per-tab
// watches so a subscription never outlives its tab.
func (c *Client) SetTeardown(key string, fn func()) {
	c.mu.Lock()
	prev := c.teardowns[key]
	c.teardowns[key] = fn
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	fns := c.teardowns
	c.teardowns = map[string]func(){}
	c.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// ReadPump pumps commands from the ws connection to the gateway handler.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			jww.DEBUG.Printf("closing ws connection: %v", err)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		jww.WARN.Printf("setting read deadline: %v", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("ws read: %v", err)
			}
			return
		}
		if c.handle != nil {
			c.handle(c, cmd)
		}
	}
}

// WritePump pumps events from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
