package api

import (
	"context"
	"io"
)

// Fields is a partial document for merge writes. Nil values clear a field.
type Fields map[string]interface{}

// serverTimestampSentinel marks a field the store resolves to its own write
// time. Firestore maps it to firestore.ServerTimestamp; the memory store maps
// it to the wall clock.
type serverTimestampSentinel struct{}

// ServerTimestamp is the write-time placeholder for store-assigned times.
var ServerTimestamp = serverTimestampSentinel{}

// BatchLimit is the largest number of writes one atomic batch may carry.
// Mirrors the Firestore ceiling; callers with more writes must chunk.
const BatchLimit = 500

// Store is the document-store contract every service depends on. Both the
// Firestore repository and the in-memory repository implement it; services
// never touch the backend SDK directly.
//
// Watch methods deliver a full snapshot on every change, starting with the
// current state, and keep delivering until the subscription is cancelled.
type Store interface {
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (User, error)
	// MergeUser shallow-merges fields into users/{id}, creating it if absent.
	MergeUser(ctx context.Context, id string, fields Fields) error
	// WatchUser delivers the user document after every change. A nil
	// snapshot means the document does not exist.
	WatchUser(ctx context.Context, id string) (*Subscription[*User], error)

	// MergeChat shallow-merges fields into chats/{id}, creating it if absent.
	MergeChat(ctx context.Context, id string, fields Fields) error
	// WatchChats delivers all chats whose participants include userID, in
	// backend order. Callers re-sort; the query shape carries no ordering
	// guarantee.
	WatchChats(ctx context.Context, userID string) (*Subscription[[]Chat], error)

	// AddMessage appends to chats/{chatID}/messages, assigning the id and
	// the server timestamp, and returns the new id.
	AddMessage(ctx context.Context, chatID string, m Message) (string, error)
	// UpdateMessage merges fields into one message document.
	UpdateMessage(ctx context.Context, chatID, messageID string, fields Fields) error
	// MarkMessagesRead flips read=true on the given messages in one atomic
	// batch. len(messageIDs) must not exceed BatchLimit.
	MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) error
	// ListMessageIDs returns every message id in the chat.
	ListMessageIDs(ctx context.Context, chatID string) ([]string, error)
	// DeleteMessages removes the given messages in one atomic batch.
	// len(messageIDs) must not exceed BatchLimit.
	DeleteMessages(ctx context.Context, chatID string, messageIDs []string) error
	// WatchMessages delivers the chat's full message log ordered by
	// timestamp ascending after every change.
	WatchMessages(ctx context.Context, chatID string) (*Subscription[[]Message], error)
}

// BlobStore is the object-store contract for media uploads. Upload streams r
// to path and blocks until the object is durable, reporting transferred bytes
// through onProgress. Cancelling ctx aborts the transfer; no partial object
// becomes visible and the returned error wraps ctx.Err.
type BlobStore interface {
	Upload(ctx context.Context, path, contentType string, r io.Reader, size int64, onProgress func(transferred int64)) (url string, err error)
}
