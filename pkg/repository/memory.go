package repository

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"chatbridge/pkg/api"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// memDoc is one stored document, in the same loose shape the wire uses.
// Values are kept JSON-normalized so merges behave like the backend's.
type memDoc map[string]interface{}

// MemoryStore is an api.Store held entirely in process memory, with the same
// watch semantics as the Firestore store: every mutation fans a fresh full
// snapshot out to the affected watchers. It backs the offline demo mode and
// the test suites; nothing about the services changes between backends.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]memDoc
	chats    map[string]memDoc
	messages map[string]map[string]memDoc
	seq      int64

	userWatchers map[string][]*api.Subscription[*api.User]
	chatWatchers map[string][]*api.Subscription[[]api.Chat]
	msgWatchers  map[string][]*api.Subscription[[]api.Message]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]memDoc),
		chats:        make(map[string]memDoc),
		messages:     make(map[string]map[string]memDoc),
		userWatchers: make(map[string][]*api.Subscription[*api.User]),
		chatWatchers: make(map[string][]*api.Subscription[[]api.Chat]),
		msgWatchers:  make(map[string][]*api.Subscription[[]api.Message]),
	}
}

func normalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func decode(doc memDoc, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// applyFields shallow-merges fields into doc, resolving the server-timestamp
// sentinel to the current wall clock.
func applyFields(doc memDoc, fields api.Fields) {
	for k, v := range fields {
		switch {
		case v == api.ServerTimestamp:
			doc[k] = time.Now().UTC().Format(time.RFC3339Nano)
		case v == nil:
			doc[k] = nil
		default:
			doc[k] = normalize(v)
		}
	}
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (api.User, error) {
	s.mu.Lock()
	doc, ok := s.users[id]
	s.mu.Unlock()
	if !ok {
		return api.User{}, api.ErrNotFound
	}
	var user api.User
	if err := decode(doc, &user); err != nil {
		return api.User{}, errors.Wrap(err, "decoding user")
	}
	user.ID = id
	return user, nil
}

func (s *MemoryStore) MergeUser(_ context.Context, id string, fields api.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[id]
	if !ok {
		doc = memDoc{}
		s.users[id] = doc
	}
	applyFields(doc, fields)
	s.notifyUserLocked(id)
	return nil
}

// notifyUserLocked hands every watcher of the user its own freshly decoded
// snapshot. Delivery happens while the store lock is held so watchers see
// snapshots in commit order; Publish never blocks, so this cannot stall a
// writer.
func (s *MemoryStore) notifyUserLocked(id string) {
	for _, w := range s.userWatchers[id] {
		w.Publish(s.userSnapshotLocked(id))
	}
}

func (s *MemoryStore) userSnapshotLocked(id string) *api.User {
	doc, ok := s.users[id]
	if !ok {
		return nil
	}
	var user api.User
	if err := decode(doc, &user); err != nil {
		return nil
	}
	user.ID = id
	return &user
}

func (s *MemoryStore) WatchUser(_ context.Context, id string) (*api.Subscription[*api.User], error) {
	sub := api.NewSubscription[*api.User]()
	s.mu.Lock()
	s.userWatchers[id] = append(s.userWatchers[id], sub)
	sub.Publish(s.userSnapshotLocked(id))
	s.mu.Unlock()

	sub.OnCancel(func() {
		s.mu.Lock()
		s.userWatchers[id] = removeWatcher(s.userWatchers[id], sub)
		s.mu.Unlock()
	})
	return sub, nil
}

func (s *MemoryStore) MergeChat(_ context.Context, id string, fields api.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.chats[id]
	if !ok {
		doc = memDoc{}
		s.chats[id] = doc
	}
	applyFields(doc, fields)
	s.notifyChatsLocked(id)
	return nil
}

// notifyChatsLocked fans the mutated chat out to the watchers of every
// participant, in commit order. Each watcher gets its own slice so no two
// subscribers ever share a backing array.
func (s *MemoryStore) notifyChatsLocked(chatID string) {
	var chat api.Chat
	if err := decode(s.chats[chatID], &chat); err != nil {
		return
	}
	for _, userID := range chat.Participants {
		for _, w := range s.chatWatchers[userID] {
			w.Publish(s.chatsSnapshotLocked(userID))
		}
	}
}

func (s *MemoryStore) chatsSnapshotLocked(userID string) []api.Chat {
	var chats []api.Chat
	for id, doc := range s.chats {
		var chat api.Chat
		if err := decode(doc, &chat); err != nil {
			continue
		}
		for _, p := range chat.Participants {
			if p == userID {
				chat.ID = id
				chats = append(chats, chat)
				break
			}
		}
	}
	// Deterministic backend order; services still re-sort by recency.
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats
}

func (s *MemoryStore) WatchChats(_ context.Context, userID string) (*api.Subscription[[]api.Chat], error) {
	sub := api.NewSubscription[[]api.Chat]()
	s.mu.Lock()
	s.chatWatchers[userID] = append(s.chatWatchers[userID], sub)
	sub.Publish(s.chatsSnapshotLocked(userID))
	s.mu.Unlock()

	sub.OnCancel(func() {
		s.mu.Lock()
		s.chatWatchers[userID] = removeWatcher(s.chatWatchers[userID], sub)
		s.mu.Unlock()
	})
	return sub, nil
}

func (s *MemoryStore) AddMessage(_ context.Context, chatID string, m api.Message) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	col, ok := s.messages[chatID]
	if !ok {
		col = make(map[string]memDoc)
		s.messages[chatID] = col
	}
	s.seq++
	doc := memDoc{
		"type":      string(m.Type),
		"text":      m.Text,
		"senderId":  m.SenderID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"read":      m.Read,
		"_seq":      s.seq,
	}
	if m.FileURL != "" {
		doc["fileUrl"] = m.FileURL
		doc["fileName"] = m.FileName
	}
	col[id] = doc
	s.notifyMessagesLocked(chatID)
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, chatID, messageID string, fields api.Fields) error {
	s.mu.Lock()
	col := s.messages[chatID]
	doc, ok := col[messageID]
	if !ok {
		s.mu.Unlock()
		return api.ErrNotFound
	}
	applyFields(doc, fields)
	s.notifyMessagesLocked(chatID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, chatID string, messageIDs []string) error {
	s.mu.Lock()
	col := s.messages[chatID]
	// All-or-nothing: verify the whole batch before mutating anything.
	for _, id := range messageIDs {
		if _, ok := col[id]; !ok {
			s.mu.Unlock()
			return errors.Wrapf(api.ErrNotFound, "message %s", id)
		}
	}
	for _, id := range messageIDs {
		col[id]["read"] = true
	}
	s.notifyMessagesLocked(chatID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListMessageIDs(_ context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.messages[chatID]
	ids := make([]string, 0, len(col))
	for id := range col {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteMessages(_ context.Context, chatID string, messageIDs []string) error {
	s.mu.Lock()
	col := s.messages[chatID]
	for _, id := range messageIDs {
		if _, ok := col[id]; !ok {
			s.mu.Unlock()
			return errors.Wrapf(api.ErrNotFound, "message %s", id)
		}
	}
	for _, id := range messageIDs {
		delete(col, id)
	}
	s.notifyMessagesLocked(chatID)
	s.mu.Unlock()
	return nil
}

// notifyMessagesLocked delivers a per-watcher snapshot of the chat's
// messages while the store lock is held, so no watcher can observe an older
// snapshot after a newer one.
func (s *MemoryStore) notifyMessagesLocked(chatID string) {
	for _, w := range s.msgWatchers[chatID] {
		w.Publish(s.messagesSnapshotLocked(chatID))
	}
}

func (s *MemoryStore) messagesSnapshotLocked(chatID string) []api.Message {
	col := s.messages[chatID]
	type ordered struct {
		msg api.Message
		seq float64
	}
	rows := make([]ordered, 0, len(col))
	for id, doc := range col {
		var m api.Message
		if err := decode(doc, &m); err != nil {
			continue
		}
		m.ID = id
		seq, _ := doc["_seq"].(float64)
		if i, ok := doc["_seq"].(int64); ok {
			seq = float64(i)
		}
		rows = append(rows, ordered{msg: m, seq: seq})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].msg.Timestamp.Equal(rows[j].msg.Timestamp) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].msg.Timestamp.Before(rows[j].msg.Timestamp)
	})
	msgs := make([]api.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.msg
	}
	return msgs
}

func (s *MemoryStore) WatchMessages(_ context.Context, chatID string) (*api.Subscription[[]api.Message], error) {
	sub := api.NewSubscription[[]api.Message]()
	s.mu.Lock()
	s.msgWatchers[chatID] = append(s.msgWatchers[chatID], sub)
	sub.Publish(s.messagesSnapshotLocked(chatID))
	s.mu.Unlock()

	sub.OnCancel(func() {
		s.mu.Lock()
		s.msgWatchers[chatID] = removeWatcher(s.msgWatchers[chatID], sub)
		s.mu.Unlock()
	})
	return sub, nil
}

// MemoryBlobStore keeps uploaded objects in process memory. Pairs with
// MemoryStore for offline demo mode; progress reporting and cancellation
// behave like the real bucket, chunk by chunk.
type MemoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Upload(ctx context.Context, path, _ string, r io.Reader, _ int64, onProgress func(transferred int64)) (string, error) {
	var data []byte
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if onProgress != nil {
				onProgress(int64(len(data)))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", errors.Wrap(readErr, "reading upload source")
		}
	}
	s.mu.Lock()
	s.objects[path] = data
	s.mu.Unlock()
	return "mem://" + path, nil
}

// Object returns a stored object's bytes, for tests and the demo server.
func (s *MemoryBlobStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

func removeWatcher[T any](watchers []*api.Subscription[T], target *api.Subscription[T]) []*api.Subscription[T] {
	for i, w := range watchers {
		if w == target {
			last := len(watchers) - 1
			watchers[i] = watchers[last]
			watchers[last] = nil
			return watchers[:last]
		}
	}
	return watchers
}
