package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the API. A nil limiter disables rate limiting.
func NewRouter(apiHandler *APIHandler, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", apiHandler.CreateConversationHandler)
			r.Get("/", apiHandler.ListConversationsHandler)
			r.Get("/current", apiHandler.GetCurrentConversationHandler)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetConversationHandler)
				r.Patch("/", apiHandler.UpdateConversationHandler)
				r.Delete("/", apiHandler.DeleteConversationHandler)
				r.Post("/select", apiHandler.SelectConversationHandler)

				r.Post("/messages", apiHandler.PostMessageHandler)
				r.Put("/messages/{messageID}", apiHandler.EditMessageHandler)
				r.Post("/messages/{messageID}/regenerate", apiHandler.RegenerateMessageHandler)
			})
		})

		r.Route("/composer", func(r chi.Router) {
			r.Get("/", apiHandler.GetComposerHandler)
			r.Put("/text", apiHandler.SetComposerTextHandler)
			r.Post("/voice", apiHandler.ToggleVoiceHandler)
			r.Delete("/voice", apiHandler.CancelVoiceHandler)
			r.Post("/dictation", apiHandler.DictationResultHandler)
			r.Post("/dictation/ended", apiHandler.DictationEndedHandler)
			r.Post("/audio", apiHandler.AudioChunkHandler)
			r.Post("/attachment", apiHandler.AttachFileHandler)
			r.Delete("/attachment", apiHandler.RemoveAttachmentHandler)
			r.Post("/submit", apiHandler.SubmitComposerHandler)
		})

		r.Get("/notifications", apiHandler.NotificationsHandler)
	})

	return r
}
