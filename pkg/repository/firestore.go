// Package repository provides the document-store and blob-store backends the
// sync services run on: a Firestore/Firebase implementation for production
// and an in-memory implementation for offline demo mode and tests.
package repository

import (
	"context"

	"chatbridge/pkg/api"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection    = "users"
	chatsCollection    = "chats"
	messagesCollection = "messages"
)

type firestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps a Firestore client in the api.Store contract.
func NewFirestoreStore(client *firestore.Client) api.Store {
	return &firestoreStore{client: client}
}

// translate swaps the store-agnostic server-timestamp sentinel for the
// Firestore one.
func translate(fields api.Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v == api.ServerTimestamp {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}

func (s *firestoreStore) userDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(id)
}

func (s *firestoreStore) chatDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(chatsCollection).Doc(id)
}

func (s *firestoreStore) messagesCol(chatID string) *firestore.CollectionRef {
	return s.chatDoc(chatID).Collection(messagesCollection)
}

func (s *firestoreStore) GetUser(ctx context.Context, id string) (api.User, error) {
	snap, err := s.userDoc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.User{}, api.ErrNotFound
	}
	if err != nil {
		return api.User{}, errors.Wrap(err, "fetching user document")
	}
	var user api.User
	if err := snap.DataTo(&user); err != nil {
		return api.User{}, errors.Wrap(err, "decoding user document")
	}
	user.ID = snap.Ref.ID
	return user, nil
}

func (s *firestoreStore) MergeUser(ctx context.Context, id string, fields api.Fields) error {
	_, err := s.userDoc(id).Set(ctx, translate(fields), firestore.MergeAll)
	return errors.Wrap(err, "merging user document")
}

func (s *firestoreStore) WatchUser(ctx context.Context, id string) (*api.Subscription[*api.User], error) {
	ctx, cancel := context.WithCancel(ctx)
	iter := s.userDoc(id).Snapshots(ctx)

	sub := api.NewSubscription[*api.User]()
	sub.OnCancel(func() {
		cancel()
		iter.Stop()
	})
	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					jww.WARN.Printf("user watch for %s stopped: %v", id, err)
				}
				return
			}
			if !snap.Exists() {
				sub.Publish(nil)
				continue
			}
			var user api.User
			if err := snap.DataTo(&user); err != nil {
				jww.ERROR.Printf("decoding user snapshot for %s: %v", id, err)
				continue
			}
			user.ID = snap.Ref.ID
			sub.Publish(&user)
		}
	}()
	return sub, nil
}

func (s *firestoreStore) MergeChat(ctx context.Context, id string, fields api.Fields) error {
	_, err := s.chatDoc(id).Set(ctx, translate(fields), firestore.MergeAll)
	return errors.Wrap(err, "merging chat document")
}

func (s *firestoreStore) WatchChats(ctx context.Context, userID string) (*api.Subscription[[]api.Chat], error) {
	ctx, cancel := context.WithCancel(ctx)
	query := s.client.Collection(chatsCollection).Where("participants", "array-contains", userID)
	iter := query.Snapshots(ctx)

	sub := api.NewSubscription[[]api.Chat]()
	sub.OnCancel(func() {
		cancel()
		iter.Stop()
	})
	go func() {
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					jww.WARN.Printf("chat watch for %s stopped: %v", userID, err)
				}
				return
			}
			docs, err := qsnap.Documents.GetAll()
			if err != nil {
				jww.ERROR.Printf("reading chat snapshot for %s: %v", userID, err)
				continue
			}
			chats := make([]api.Chat, 0, len(docs))
			for _, doc := range docs {
				var chat api.Chat
				if err := doc.DataTo(&chat); err != nil {
					jww.ERROR.Printf("decoding chat %s: %v", doc.Ref.ID, err)
					continue
				}
				chat.ID = doc.Ref.ID
				chats = append(chats, chat)
			}
			sub.Publish(chats)
		}
	}()
	return sub, nil
}

func (s *firestoreStore) AddMessage(ctx context.Context, chatID string, m api.Message) (string, error) {
	data := map[string]interface{}{
		"type":      string(m.Type),
		"text":      m.Text,
		"senderId":  m.SenderID,
		"timestamp": firestore.ServerTimestamp,
		"read":      m.Read,
	}
	if m.FileURL != "" {
		data["fileUrl"] = m.FileURL
		data["fileName"] = m.FileName
	}
	ref, _, err := s.messagesCol(chatID).Add(ctx, data)
	if err != nil {
		return "", errors.Wrap(err, "adding message document")
	}
	return ref.ID, nil
}

func (s *firestoreStore) UpdateMessage(ctx context.Context, chatID, messageID string, fields api.Fields) error {
	_, err := s.messagesCol(chatID).Doc(messageID).Set(ctx, translate(fields), firestore.MergeAll)
	return errors.Wrap(err, "merging message document")
}

func (s *firestoreStore) MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	batch := s.client.Batch()
	for _, id := range messageIDs {
		batch.Update(s.messagesCol(chatID).Doc(id), []firestore.Update{
			{Path: "read", Value: true},
		})
	}
	_, err := batch.Commit(ctx)
	return errors.Wrap(err, "committing read batch")
}

func (s *firestoreStore) ListMessageIDs(ctx context.Context, chatID string) ([]string, error) {
	docs, err := s.messagesCol(chatID).Select().Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "listing message documents")
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}

func (s *firestoreStore) DeleteMessages(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	batch := s.client.Batch()
	for _, id := range messageIDs {
		batch.Delete(s.messagesCol(chatID).Doc(id))
	}
	_, err := batch.Commit(ctx)
	return errors.Wrap(err, "committing delete batch")
}

func (s *firestoreStore) WatchMessages(ctx context.Context, chatID string) (*api.Subscription[[]api.Message], error) {
	ctx, cancel := context.WithCancel(ctx)
	query := s.messagesCol(chatID).OrderBy("timestamp", firestore.Asc)
	iter := query.Snapshots(ctx)

	sub := api.NewSubscription[[]api.Message]()
	sub.OnCancel(func() {
		cancel()
		iter.Stop()
	})
	go func() {
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					jww.WARN.Printf("message watch for %s stopped: %v", chatID, err)
				}
				return
			}
			docs, err := qsnap.Documents.GetAll()
			if err != nil {
				jww.ERROR.Printf("reading message snapshot for %s: %v", chatID, err)
				continue
			}
			msgs := make([]api.Message, 0, len(docs))
			for _, doc := range docs {
				var m api.Message
				if err := doc.DataTo(&m); err != nil {
					jww.ERROR.Printf("decoding message %s: %v", doc.Ref.ID, err)
					continue
				}
				m.ID = doc.Ref.ID
				msgs = append(msgs, m)
			}
			sub.Publish(msgs)
		}
	}()
	return sub, nil
}
