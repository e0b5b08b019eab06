package api

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const deletedPlaceholder = "This message was deleted"

// MessageService owns one chat's message log: the live ordered stream,
// sending, tombstoning and clearing.
type MessageService interface {
	// Watch delivers the chat's messages ordered by timestamp ascending.
	// On every snapshot, messages authored by someone other than viewerID
	// and still unread are marked read in a single atomic batch.
	Watch(ctx context.Context, chatID, viewerID string) (*Subscription[[]Message], error)
	// Send validates and appends the message, then updates the chat's
	// denormalized summary in a second, best-effort write.
	Send(ctx context.Context, chatID string, m Message) (string, error)
	// SoftDelete tombstones a message in place, keeping its position and
	// id valid. Idempotent.
	SoftDelete(ctx context.Context, chatID, messageID string) error
	// Clear deletes the whole message log, chunked under the batch ceiling.
	Clear(ctx context.Context, chatID string) error
}

type messageService struct {
	store Store
}

func NewMessageService(store Store) MessageService {
	return &messageService{store: store}
}

func (s *messageService) Watch(ctx context.Context, chatID, viewerID string) (*Subscription[[]Message], error) {
	upstream, err := s.store.WatchMessages(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "watching messages")
	}

	sub := NewSubscription[[]Message]()
	sub.OnCancel(upstream.Cancel)
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case msgs := <-upstream.C():
				sub.Publish(msgs)
				s.markRead(ctx, chatID, viewerID, msgs)
			}
		}
	}()
	return sub, nil
}

// markRead flips read=true for every unread message from the peer in one
// atomic batch, not one write per message. Read-marking is one-directional:
// only the recipient ever sets the flag, and only to true.
func (s *messageService) markRead(ctx context.Context, chatID, viewerID string, msgs []Message) {
	var ids []string
	for _, m := range msgs {
		if m.SenderID != viewerID && !m.Read && m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	for start := 0; start < len(ids); start += BatchLimit {
		end := start + BatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.store.MarkMessagesRead(ctx, chatID, ids[start:end]); err != nil {
			if ctx.Err() == nil {
				jww.WARN.Printf("marking %d messages read in %s failed: %v", end-start, chatID, err)
			}
			return
		}
	}
}

func (s *messageService) Send(ctx context.Context, chatID string, m Message) (string, error) {
	if m.Type == MessageText && strings.TrimSpace(m.Text) == "" {
		return "", ErrEmptyMessage
	}

	id, err := s.store.AddMessage(ctx, chatID, m)
	if err != nil {
		return "", errors.Wrap(err, "sending message")
	}

	// Sidebar summary. Not atomic with the message write: the log is
	// authoritative and a stale preview heals on the next send.
	err = s.store.MergeChat(ctx, chatID, Fields{
		"lastUpdated":     ServerTimestamp,
		"lastMessageText": m.Preview(),
	})
	if err != nil {
		jww.WARN.Printf("updating summary for chat %s failed: %v", chatID, err)
	}
	return id, nil
}

func (s *messageService) SoftDelete(ctx context.Context, chatID, messageID string) error {
	fields := Fields{
		"type": MessageDeleted,
		"text": deletedPlaceholder,
	}
	if err := s.store.UpdateMessage(ctx, chatID, messageID, fields); err != nil {
		return errors.Wrap(err, "deleting message")
	}
	return nil
}

func (s *messageService) Clear(ctx context.Context, chatID string) error {
	ids, err := s.store.ListMessageIDs(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "listing messages to clear")
	}
	for start := 0; start < len(ids); start += BatchLimit {
		end := start + BatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.store.DeleteMessages(ctx, chatID, ids[start:end]); err != nil {
			return errors.Wrapf(err, "clearing chat %s", chatID)
		}
	}
	jww.INFO.Printf("cleared %d messages from chat %s", len(ids), chatID)
	return nil
}
