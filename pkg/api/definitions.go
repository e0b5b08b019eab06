package api

import (
	"sort"
	"strings"
	"time"
)

// User is the profile document stored under users/{phone}. The document id is
// the sanitized phone number, so resolving a contact is a point lookup.
type User struct {
	ID           string          `firestore:"id" json:"id"`
	Phone        string          `firestore:"phone" json:"phone"`
	Name         string          `firestore:"name" json:"name"`
	Avatar       string          `firestore:"avatar" json:"avatar"`
	About        string          `firestore:"about" json:"about"`
	Online       bool            `firestore:"online" json:"online"`
	LastSeen     time.Time       `firestore:"lastSeen" json:"lastSeen"`
	Blocked      []string        `firestore:"blocked,omitempty" json:"blocked,omitempty"`
	IncomingCall *CallInvitation `firestore:"incomingCall" json:"incomingCall,omitempty"`
}

// Chat is the conversation summary document stored under chats/{id}. The
// message log itself lives in the messages subcollection; LastUpdated and
// LastMessageText are denormalized for the sidebar and may lag the log.
type Chat struct {
	ID              string    `firestore:"-" json:"id"`
	Participants    []string  `firestore:"participants" json:"participants"`
	LastUpdated     time.Time `firestore:"lastUpdated" json:"lastUpdated"`
	LastMessageText string    `firestore:"lastMessageText" json:"lastMessageText"`
}

// Peer returns the participant that is not userID.
func (c Chat) Peer(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ChatID derives the conversation id for a pair of users. Ids are sorted
// before joining, so ChatID(a, b) == ChatID(b, a) and a pair can never map to
// two distinct conversations.
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageAudio   MessageType = "audio"
	MessageFile    MessageType = "file"
	MessageDeleted MessageType = "deleted"
)

// Message is one entry of the append-only log under chats/{id}/messages.
// Timestamp is assigned by the store on write; a zero Timestamp marks a local
// echo whose server time has not resolved yet and which sorts at the end.
type Message struct {
	ID        string      `firestore:"-" json:"id"`
	Type      MessageType `firestore:"type" json:"type"`
	Text      string      `firestore:"text" json:"text"`
	SenderID  string      `firestore:"senderId" json:"senderId"`
	Timestamp time.Time   `firestore:"timestamp" json:"timestamp"`
	FileURL   string      `firestore:"fileUrl,omitempty" json:"fileUrl,omitempty"`
	FileName  string      `firestore:"fileName,omitempty" json:"fileName,omitempty"`
	Read      bool        `firestore:"read" json:"read"`
}

// NewTextMessage builds a text message. Content validation happens in
// MessageService.Send so callers get the error before any write.
func NewTextMessage(senderID, text string) Message {
	return Message{Type: MessageText, Text: text, SenderID: senderID}
}

// NewMediaMessage builds an image, audio or file message referencing an
// uploaded object. Caption is only meaningful for images and files.
func NewMediaMessage(senderID string, mt MessageType, url, fileName, caption string) Message {
	return Message{
		Type:     mt,
		Text:     caption,
		SenderID: senderID,
		FileURL:  url,
		FileName: fileName,
	}
}

// Preview returns the sidebar summary line for the message.
func (m Message) Preview() string {
	switch m.Type {
	case MessageAudio:
		return "🎤 Voice Message"
	case MessageImage:
		return "📷 Photo"
	case MessageFile:
		return "📄 File"
	default:
		return m.Text
	}
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

// Within one call the observed status sequence is a subsequence of
// ringing, connected, ended; it never skips back.
const (
	CallRingingStatus   CallStatus = "ringing"
	CallConnectedStatus CallStatus = "connected"
	CallEndedStatus     CallStatus = "ended"
)

// CallInvitation is the signaling record for one call attempt, embedded in
// the callee's user document. Each attempt overwrites the previous one; both
// parties clear it to nil on termination.
type CallInvitation struct {
	ChatID       string     `firestore:"chatId" json:"chatId"`
	CallerID     string     `firestore:"callerId" json:"callerId"`
	CallerName   string     `firestore:"callerName" json:"callerName"`
	CallerAvatar string     `firestore:"callerAvatar" json:"callerAvatar"`
	Type         CallType   `firestore:"type" json:"type"`
	Status       CallStatus `firestore:"status" json:"status"`
	Offer        string     `firestore:"offer,omitempty" json:"offer,omitempty"`
	Answer       string     `firestore:"answer,omitempty" json:"answer,omitempty"`
}
