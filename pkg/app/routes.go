package app

import (
	myMiddleware "chatbridge/pkg/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/login", s.Login())
	r.Post("/api/register", s.Register())

	r.Route("/api", func(r chi.Router) {
		r.Use(myMiddleware.SessionAuth(s))
		r.Post("/logout", s.Logout())
		r.Get("/me", s.Me())
		r.Patch("/me", s.UpdateProfile())
		r.Get("/users/{phone}", s.ResolveUser())

		r.Get("/chats", s.ListChats())
		r.Post("/chats", s.StartChat())
		r.Post("/chats/{chatID}/messages", s.SendMessage())
		r.Delete("/chats/{chatID}/messages/{messageID}", s.DeleteMessage())
		r.Delete("/chats/{chatID}/messages", s.ClearChat())
		r.Post("/chats/{chatID}/upload", s.Upload())
		r.Post("/chats/{chatID}/upload/cancel", s.CancelUpload())

		r.Post("/recording/start", s.StartRecording())
		r.Post("/recording/pause", s.PauseRecording())
		r.Post("/recording/resume", s.ResumeRecording())
		r.Post("/recording/cancel", s.CancelRecording())
		r.Post("/chats/{chatID}/recording/send", s.SendRecording())

		r.Post("/calls", s.StartCall())
		r.Post("/calls/answer", s.AnswerCall())
		r.Post("/calls/end", s.EndCall())
	})

	r.Get("/ws", s.ServeWs())

	return r
}
