package api

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ChatService owns the conversation registry: starting chats and keeping a
// live, ordered summary list.
type ChatService interface {
	// StartChat validates the peer, derives the deterministic chat id and
	// merge-writes the chat document. Idempotent: the same pair always
	// resolves to the same chat, in either order. Returns the chat and the
	// resolved peer profile.
	StartChat(ctx context.Context, myID, rawPeerPhone string) (Chat, User, error)
	// Watch delivers the user's chat list sorted by lastUpdated descending
	// on every change.
	Watch(ctx context.Context, userID string) (*Subscription[[]Chat], error)
}

type chatService struct {
	store Store
	users UserService
}

func NewChatService(store Store, users UserService) ChatService {
	return &chatService{store: store, users: users}
}

func (s *chatService) StartChat(ctx context.Context, myID, rawPeerPhone string) (Chat, User, error) {
	peer, err := s.users.Resolve(ctx, rawPeerPhone)
	if err != nil {
		return Chat{}, User{}, err
	}
	if peer.ID == myID {
		return Chat{}, User{}, ErrSelfChat
	}

	chatID := ChatID(myID, peer.ID)
	fields := Fields{
		"participants":    []string{myID, peer.ID},
		"lastUpdated":     ServerTimestamp,
		"lastMessageText": "Chat started",
	}
	if err := s.store.MergeChat(ctx, chatID, fields); err != nil {
		return Chat{}, User{}, errors.Wrap(err, "creating chat")
	}
	jww.DEBUG.Printf("chat %s ready for %s and %s", chatID, myID, peer.ID)

	chat := Chat{
		ID:           chatID,
		Participants: []string{myID, peer.ID},
	}
	return chat, peer, nil
}

// Watch re-sorts the full result set on every snapshot. The backend gives no
// server-side ordering for an array-contains query, and per-user chat counts
// are small enough that the O(n log n) pass per update is acceptable. The
// sort works on a copy: the store owns the delivered slice and may hand it
// to other subscribers.
func (s *chatService) Watch(ctx context.Context, userID string) (*Subscription[[]Chat], error) {
	upstream, err := s.store.WatchChats(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "watching chats")
	}

	sub := NewSubscription[[]Chat]()
	sub.OnCancel(upstream.Cancel)
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case chats := <-upstream.C():
				sorted := append([]Chat(nil), chats...)
				sort.SliceStable(sorted, func(i, j int) bool {
					return sorted[i].LastUpdated.After(sorted[j].LastUpdated)
				})
				sub.Publish(sorted)
			}
		}
	}()
	return sub, nil
}
