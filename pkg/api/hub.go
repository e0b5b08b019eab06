package api

import (
	"encoding/json"

	jww "github.com/spf13/jwalterweatherman"
)

// Event is one sync notification pushed to the browser tabs of a user.
// Exactly one payload field is set, selected by Kind.
type Event struct {
	Kind string `json:"kind"`

	ChatID    string         `json:"chatId,omitempty"`
	Chats     []Chat         `json:"chats,omitempty"`
	Messages  []Message      `json:"messages,omitempty"`
	Presence  *User          `json:"presence,omitempty"`
	Call      *CallEvent     `json:"call,omitempty"`
	Upload    *UploadStats   `json:"upload,omitempty"`
	Seconds   int            `json:"seconds,omitempty"`
	Session   *User          `json:"session,omitempty"`
	Request   *BridgeRequest `json:"request,omitempty"`
	Notice    string         `json:"notice,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
}

const (
	EventChats     = "chats"
	EventMessages  = "messages"
	EventPresence  = "presence"
	EventCall      = "call"
	EventUpload    = "upload"
	EventRecording = "recording"
	EventSession   = "session"
	EventBridge    = "bridge"
	EventNotice    = "notice"
)

type targetedEvent struct {
	userID string
	event  Event
}

// Hub maintains the set of connected tabs per user id and fans events out to
// them. A tab that cannot keep up is dropped rather than blocking delivery to
// its siblings.
type Hub struct {
	clients map[string][]*Client

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Targeted events from the sync services.
	send chan targetedEvent
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		Register:   make(chan *Client),
		unregister: make(chan *Client),
		send:       make(chan targetedEvent, 64),
	}
}

// Send queues ev for every connected tab of userID.
func (h *Hub) Send(userID string, ev Event) {
	h.send <- targetedEvent{userID: userID, event: ev}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client.userID] = append(h.clients[client.userID], client)

		case client := <-h.unregister:
			if h.remove(client) {
				close(client.send)
				client.teardown()
			}

		case te := <-h.send:
			payload, err := json.Marshal(te.event)
			if err != nil {
				jww.ERROR.Printf("encoding %s event: %v", te.event.Kind, err)
				continue
			}
			for _, client := range append([]*Client(nil), h.clients[te.userID]...) {
				select {
				case client.send <- payload:
				default:
					// Slow tab; drop it so the others keep flowing.
					if h.remove(client) {
						close(client.send)
						client.teardown()
					}
				}
			}
		}
	}
}

// remove unlinks the client from its user's tab list. Reports whether the
// client was still registered, so teardown runs exactly once.
func (h *Hub) remove(client *Client) bool {
	tabs := h.clients[client.userID]
	for i, c := range tabs {
		if c == client {
			last := len(tabs) - 1
			tabs[i] = tabs[last]
			tabs[last] = nil
			tabs = tabs[:last]
			if len(tabs) == 0 {
				delete(h.clients, client.userID)
			} else {
				h.clients[client.userID] = tabs
			}
			return true
		}
	}
	return false
}
