package api

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// SessionKey versions the persisted session record. Bump it to invalidate
// sessions across incompatible schema changes.
const SessionKey = "chatbridge_session_v1"

// SessionStore persists the current user across restarts, standing in for the
// browser's local storage. Subscribers are notified on every login, profile
// update and logout instead of the application reloading itself.
type SessionStore struct {
	path string

	mu      sync.Mutex
	current *User
	nextID  int
	subs    map[int]func(*User)
}

func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{
		path: filepath.Join(dir, SessionKey+".json"),
		subs: make(map[int]func(*User)),
	}
}

// Load reads the persisted session, if any. A missing file is not an error;
// it just means nobody is logged in.
func (s *SessionStore) Load() (*User, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading session file")
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, errors.Wrap(err, "decoding session file")
	}
	s.mu.Lock()
	s.current = &user
	s.mu.Unlock()
	return &user, nil
}

// Save persists the user and notifies subscribers.
func (s *SessionStore) Save(user User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "creating session dir")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errors.Wrap(err, "writing session file")
	}
	s.notify(&user)
	return nil
}

// Clear removes the persisted session and notifies subscribers with nil.
func (s *SessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing session file")
	}
	s.notify(nil)
	return nil
}

// Current returns the logged-in user, or nil.
func (s *SessionStore) Current() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	u := *s.current
	return &u
}

// Subscribe registers fn to run on every session change. The returned func
// removes the subscription; calls after removal are no-ops.
func (s *SessionStore) Subscribe(fn func(*User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SessionStore) notify(user *User) {
	s.mu.Lock()
	s.current = user
	fns := make([]func(*User), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(user)
	}
}
