package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chatbridge/config"
	"chatbridge/pkg/api"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Server is the gateway: it owns the sync services for the logged-in user
// and exposes them to the browser over HTTP and one websocket event stream.
type Server struct {
	cfg    config.Config
	router *chi.Mux
	store  api.Store
	blobs  api.BlobStore
	hub    *api.Hub
	clock  clock.Clock

	users    api.UserService
	chats    api.ChatService
	messages api.MessageService
	session  *api.SessionStore

	mu     sync.Mutex
	tokens map[string]string
	active *activeSession
}

// activeSession bundles the per-login services. Logging out tears the whole
// bundle down; logging in builds a fresh one. Nothing here survives a user
// switch, which is what replaces the old reload-the-world behavior.
type activeSession struct {
	user     api.User
	bridge   *api.Bridge
	guard    *api.CaptureGuard
	uploader *api.Uploader
	recorder *api.Recorder
	call     *api.CallService
	presence *api.Presence
	cancel   context.CancelFunc

	mu           sync.Mutex
	uploadCancel context.CancelFunc
}

func NewServer(cfg config.Config, router *chi.Mux, store api.Store, blobs api.BlobStore, session *api.SessionStore, clk clock.Clock) *Server {
	users := api.NewUserService(store)
	return &Server{
		cfg:      cfg,
		router:   router,
		store:    store,
		blobs:    blobs,
		hub:      api.NewHub(),
		clock:    clk,
		users:    users,
		chats:    api.NewChatService(store, users),
		messages: api.NewMessageService(store),
		session:  session,
		tokens:   make(map[string]string),
	}
}

// Validate implements middleware.TokenValidator.
func (s *Server) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.tokens[token]
	return uid, ok
}

func (s *Server) issueToken(userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generating session token")
	}
	token := hex.EncodeToString(raw)
	s.mu.Lock()
	s.tokens[token] = userID
	s.mu.Unlock()
	return token, nil
}

func (s *Server) dropTokens(userID string) {
	s.mu.Lock()
	for token, uid := range s.tokens {
		if uid == userID {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
}

// beginSession wires the per-login services: presence heartbeat, the media
// bridge, the recorder/upload pipeline and the call state machine, with its
// events forwarded onto the websocket stream.
func (s *Server) beginSession(user api.User) error {
	s.endSession()

	ctx, cancel := context.WithCancel(context.Background())
	bridge := api.NewBridge(s.hub, user.ID)
	guard := api.NewCaptureGuard()
	uploader := api.NewUploader(s.blobs, s.messages, s.clock)
	recorder := api.NewRecorder(bridge, guard, uploader, s.clock)
	call := api.NewCallService(s.store, bridge, bridge, guard, s.clock, s.cfg.Call.RingTimeout, user)
	presence := api.NewPresence(s.store, s.clock, s.cfg.Presence.HeartbeatInterval)

	userID := user.ID
	call.OnEvent(func(ev api.CallEvent) {
		s.hub.Send(userID, api.Event{Kind: api.EventCall, Call: &ev})
	})
	recorder.OnTick(func(seconds int) {
		s.hub.Send(userID, api.Event{Kind: api.EventRecording, Seconds: seconds})
	})

	if err := call.Run(ctx); err != nil {
		cancel()
		return err
	}
	presence.Start(ctx, userID)

	s.mu.Lock()
	s.active = &activeSession{
		user:     user,
		bridge:   bridge,
		guard:    guard,
		uploader: uploader,
		recorder: recorder,
		call:     call,
		presence: presence,
		cancel:   cancel,
	}
	s.mu.Unlock()
	jww.INFO.Printf("session started for %s", userID)
	return nil
}

// endSession tears the active session down: recorder discarded, call ended,
// heartbeat stopped with its best-effort offline write.
func (s *Server) endSession() {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancelUpload()
	sess.recorder.Cancel()
	sess.call.Close()
	sess.presence.Stop()
	sess.cancel()
	s.dropTokens(sess.user.ID)
	jww.INFO.Printf("session ended for %s", sess.user.ID)
}

func (s *Server) activeSess() *activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (sess *activeSession) setUploadCancel(cancel context.CancelFunc) {
	sess.mu.Lock()
	prev := sess.uploadCancel
	sess.uploadCancel = cancel
	sess.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (sess *activeSession) cancelUpload() {
	sess.mu.Lock()
	cancel := sess.uploadCancel
	sess.uploadCancel = nil
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run restores any persisted session, starts the hub and serves until a
// shutdown signal arrives.
func (s *Server) Run() error {
	go s.hub.Run()

	if user, err := s.session.Load(); err != nil {
		jww.WARN.Printf("loading persisted session: %v", err)
	} else if user != nil {
		if err := s.beginSession(*user); err != nil {
			jww.WARN.Printf("restoring session for %s: %v", user.ID, err)
		}
	}

	r := s.Routes()

	server := &http.Server{Addr: s.cfg.Service.Addr, Handler: r}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Stop the heartbeat first so the offline write goes out while
		// the network is still up.
		s.endSession()

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				jww.FATAL.Fatalf("graceful shutdown timed out.. forcing exit.")
			}
		}()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			jww.FATAL.Fatalf("shutting down: %v", err)
		}
		serverStopCtx()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-serverCtx.Done()

	return nil
}
