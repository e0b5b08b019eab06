package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"chatbridge/pkg/api"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const maxUploadMemory = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.WARN.Printf("encoding response: %v", err)
	}
}

// writeError maps domain errors onto HTTP statuses: validation failures are
// the client's fault, missing documents are 404, everything else is 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrInvalidPhone),
		errors.Is(err, api.ErrEmptyMessage),
		errors.Is(err, api.ErrSelfChat),
		errors.Is(err, api.ErrNotRecording):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, api.ErrDeviceBusy),
		errors.Is(err, api.ErrCallInProgress),
		errors.Is(err, api.ErrNoIncomingCall):
		http.Error(w, err.Error(), http.StatusConflict)
	case api.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		jww.ERROR.Printf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type authResponse struct {
	User  api.User `json:"user"`
	Token string   `json:"token"`
}

func (s *Server) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Phone string `json:"phone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		user, err := s.users.Resolve(r.Context(), req.Phone)
		if err != nil {
			// 404 tells the UI to route to registration.
			writeError(w, err)
			return
		}
		s.startSessionAndRespond(w, user)
	}
}

func (s *Server) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Phone  string `json:"phone"`
			Name   string `json:"name"`
			Avatar string `json:"avatar"`
			About  string `json:"about"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		user, err := s.users.Register(r.Context(), req.Phone, req.Name, req.Avatar, req.About)
		if err != nil {
			writeError(w, err)
			return
		}
		s.startSessionAndRespond(w, user)
	}
}

func (s *Server) startSessionAndRespond(w http.ResponseWriter, user api.User) {
	if err := s.session.Save(user); err != nil {
		writeError(w, err)
		return
	}
	if err := s.beginSession(user); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.endSession()
		if err := s.session.Clear(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := s.session.Current()
		if user == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// UpdateProfile applies an RFC 6902 patch to the profile document and
// merge-writes the result, so concurrent presence/call fields stay intact.
func (s *Server) UpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		patchJSON, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		patch, err := jsonpatch.DecodePatch(patchJSON)
		if err != nil {
			http.Error(w, "invalid json patch", http.StatusBadRequest)
			return
		}

		user, err := s.users.Resolve(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}
		userJSON, err := json.Marshal(user)
		if err != nil {
			writeError(w, err)
			return
		}
		patched, err := patch.Apply(userJSON)
		if err != nil {
			http.Error(w, "patch does not apply", http.StatusUnprocessableEntity)
			return
		}
		var updated api.User
		if err := json.Unmarshal(patched, &updated); err != nil {
			http.Error(w, "patched profile is malformed", http.StatusUnprocessableEntity)
			return
		}

		// Only profile fields are editable; identity and signaling fields
		// keep their stored values.
		fields := api.Fields{
			"name":   updated.Name,
			"avatar": updated.Avatar,
			"about":  updated.About,
		}
		if err := s.users.Update(r.Context(), uid, fields); err != nil {
			writeError(w, err)
			return
		}

		user, err = s.users.Resolve(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.session.Save(user); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) ResolveUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.Resolve(r.Context(), chi.URLParam(r, "phone"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// ListChats answers with a one-shot snapshot of the chat list. Live updates
// flow over the websocket; this exists for the initial render and for
// clients without a socket.
func (s *Server) ListChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		sub, err := s.chats.Watch(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}
		defer sub.Cancel()

		select {
		case chats := <-sub.C():
			writeJSON(w, http.StatusOK, chats)
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
	}
}

func (s *Server) StartChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		var req struct {
			Phone string `json:"phone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		chat, peer, err := s.chats.StartChat(r.Context(), uid, req.Phone)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Chat api.Chat `json:"chat"`
			Peer api.User `json:"peer"`
		}{Chat: chat, Peer: peer})
	}
}

func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)
		chatID := chi.URLParam(r, "chatID")

		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := s.messages.Send(r.Context(), chatID, api.NewTextMessage(uid, req.Text))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
	}
}

func (s *Server) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatID")
		messageID := chi.URLParam(r, "messageID")

		if err := s.messages.SoftDelete(r.Context(), chatID, messageID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ClearChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.messages.Clear(r.Context(), chi.URLParam(r, "chatID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Upload streams one multipart file through the media pipeline, pushing
// progress onto the event stream. The transfer is cancellable through the
// cancel route; a cancelled upload writes no message.
func (s *Server) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)
		chatID := chi.URLParam(r, "chatID")

		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		ctx, cancel := context.WithCancel(r.Context())
		sess.setUploadCancel(cancel)
		defer sess.setUploadCancel(nil)

		local := api.LocalFile{
			Name: header.Filename,
			MIME: header.Header.Get("Content-Type"),
			Size: header.Size,
			Data: file,
		}
		id, err := sess.uploader.Send(ctx, chatID, uid, local, r.FormValue("caption"), func(stats api.UploadStats) {
			s.hub.Send(uid, api.Event{Kind: api.EventUpload, ChatID: chatID, Upload: &stats})
		})
		if err != nil {
			if errors.Is(err, api.ErrUploadCancelled) {
				writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
	}
}

func (s *Server) CancelUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sess := s.activeSess(); sess != nil {
			sess.cancelUpload()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) withRecorder(fn func(rec *api.Recorder, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if err := fn(sess.recorder, r); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) StartRecording() http.HandlerFunc {
	return s.withRecorder(func(rec *api.Recorder, r *http.Request) error {
		return rec.Start(r.Context())
	})
}

func (s *Server) PauseRecording() http.HandlerFunc {
	return s.withRecorder(func(rec *api.Recorder, _ *http.Request) error {
		return rec.Pause()
	})
}

func (s *Server) ResumeRecording() http.HandlerFunc {
	return s.withRecorder(func(rec *api.Recorder, _ *http.Request) error {
		return rec.Resume()
	})
}

func (s *Server) CancelRecording() http.HandlerFunc {
	return s.withRecorder(func(rec *api.Recorder, _ *http.Request) error {
		rec.Cancel()
		return nil
	})
}

func (s *Server) SendRecording() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)
		chatID := chi.URLParam(r, "chatID")

		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		id, err := sess.recorder.StopAndSend(r.Context(), chatID, uid, func(stats api.UploadStats) {
			s.hub.Send(uid, api.Event{Kind: api.EventUpload, ChatID: chatID, Upload: &stats})
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
	}
}

func (s *Server) StartCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Phone string       `json:"phone"`
			Type  api.CallType `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		peer, err := s.users.Resolve(r.Context(), req.Phone)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := sess.call.StartCall(r.Context(), peer, req.Type); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) AnswerCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if err := sess.call.Answer(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) EndCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.activeSess()
		if sess == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		sess.call.End(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeWs upgrades a browser tab onto the event stream. Each connected tab
// gets the live chat list immediately; per-chat message streams and peer
// presence attach on demand through commands, and every watch is torn down
// with the tab.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Validate(r.URL.Query().Get("token"))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			jww.WARN.Printf("ws upgrade: %v", err)
			return
		}

		client := api.NewClient(s.hub, conn, uid, s.handleCommand)
		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()

		s.watchChats(client)
	}
}

func (s *Server) watchChats(client *api.Client) {
	uid := client.UserID()
	sub, err := s.chats.Watch(context.Background(), uid)
	if err != nil {
		jww.ERROR.Printf("watching chats for %s: %v", uid, err)
		return
	}
	client.SetTeardown("chats", sub.Cancel)
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case chats := <-sub.C():
				s.hub.Send(uid, api.Event{Kind: api.EventChats, Chats: chats})
			}
		}
	}()
}

// handleCommand dispatches one inbound ws frame from a tab.
func (s *Server) handleCommand(client *api.Client, cmd api.Command) {
	uid := client.UserID()
	switch cmd.Type {
	case "open_chat":
		sub, err := s.messages.Watch(context.Background(), cmd.ChatID, uid)
		if err != nil {
			jww.ERROR.Printf("watching messages in %s: %v", cmd.ChatID, err)
			s.hub.Send(uid, api.Event{Kind: api.EventNotice, Notice: "could not open chat"})
			return
		}
		chatID := cmd.ChatID
		client.SetTeardown("messages", sub.Cancel)
		go func() {
			for {
				select {
				case <-sub.Done():
					return
				case msgs := <-sub.C():
					s.hub.Send(uid, api.Event{Kind: api.EventMessages, ChatID: chatID, Messages: msgs})
				}
			}
		}()

	case "close_chat":
		client.SetTeardown("messages", nil)

	case "watch_presence":
		peer, err := api.CleanPhone(cmd.Phone)
		if err != nil {
			return
		}
		sub, err := s.store.WatchUser(context.Background(), peer)
		if err != nil {
			jww.ERROR.Printf("watching presence of %s: %v", peer, err)
			return
		}
		client.SetTeardown("presence", sub.Cancel)
		go func() {
			for {
				select {
				case <-sub.Done():
					return
				case user := <-sub.C():
					s.hub.Send(uid, api.Event{Kind: api.EventPresence, Presence: user})
				}
			}
		}()

	case "send":
		if _, err := s.messages.Send(context.Background(), cmd.ChatID, api.NewTextMessage(uid, cmd.Text)); err != nil {
			s.hub.Send(uid, api.Event{Kind: api.EventNotice, Notice: err.Error()})
		}

	case "bridge_reply":
		if sess := s.activeSess(); sess != nil {
			sess.bridge.HandleReply(cmd)
		}

	default:
		jww.DEBUG.Printf("unknown ws command %q from %s", cmd.Type, uid)
	}
}
