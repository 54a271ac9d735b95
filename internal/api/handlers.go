package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/core"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/input"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

// Composer bundles the single message composer served over HTTP: the
// arbiter plus the remote-fed capture device and recognizer.
type Composer struct {
	Arbiter       *input.InputArbiter
	Audio         *input.BufferedCaptureDevice
	Dictation     *input.FeedEngine
	Notifications *input.NotificationQueue
}

type APIHandler struct {
	chatService *core.ChatService
	composer    Composer
	logger      *slog.Logger
}

func NewAPIHandler(cs *core.ChatService, composer Composer, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{chatService: cs, composer: composer, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and hidden behind a generic message.
func (h *APIHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrConversationNotFound), errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrNoCurrentConversation):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAssistantImmutable), errors.Is(err, core.ErrEmptyMessage),
		errors.Is(err, core.ErrInvalidLength):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrRegenerationInFlight), errors.Is(err, input.ErrComposerBusy),
		errors.Is(err, input.ErrNotRecording), errors.Is(err, input.ErrDictationInactive):
		status = http.StatusConflict
	case errors.Is(err, input.ErrFileTooLarge), errors.Is(err, input.ErrRecordingTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, input.ErrUnsupportedFileType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, input.ErrCaptureUnavailable), errors.Is(err, input.ErrDictationUnavailable):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(fallback, "error", err)
		http.Error(w, fallback, status)
		return
	}
	http.Error(w, err.Error(), status)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// generationRequest carries the per-call overrides shared by send, edit
// and regenerate.
type generationRequest struct {
	Model  string `json:"model,omitempty"`
	Length string `json:"length,omitempty"`
}

func (g generationRequest) options() (core.RegenerationOptions, error) {
	length, err := core.ParseLength(g.Length)
	if err != nil {
		return core.RegenerationOptions{}, err
	}
	return core.RegenerationOptions{Model: g.Model, Length: length}, nil
}

// ConversationResponse renders a conversation. While a reply is being
// generated a placeholder assistant message with isGenerating set is
// appended.
type ConversationResponse struct {
	store.Conversation
	Current bool `json:"current"`
}

func (h *APIHandler) render(conv store.Conversation) ConversationResponse {
	if h.chatService.IsGenerating(conv.ID) {
		conv.Messages = append(conv.Messages, store.Message{
			ID:           "pending",
			Role:         store.RoleAssistant,
			IsGenerating: true,
		})
	}
	current, _ := h.chatService.CurrentConversationID()
	return ConversationResponse{Conversation: conv, Current: current == conv.ID}
}

type CreateConversationRequest struct {
	Model string `json:"model,omitempty"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	conv := h.chatService.CreateConversation(req.Model)
	writeJSON(w, http.StatusCreated, h.render(conv))
}

// ConversationSummary is a list entry without the transcript.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Current      bool      `json:"current"`
	IsGenerating bool      `json:"isGenerating"`
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs := h.chatService.ListConversations()
	current, _ := h.chatService.CurrentConversationID()

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			Model:        c.Model,
			MessageCount: len(c.Messages),
			UpdatedAt:    c.UpdatedAt,
			Current:      c.ID == current,
			IsGenerating: h.chatService.IsGenerating(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) GetCurrentConversationHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.render(h.chatService.CurrentConversation()))
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chatService.GetConversation(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, err, "Failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, h.render(conv))
}

type UpdateConversationRequest struct {
	Title *string `json:"title,omitempty"`
	Model *string `json:"model,omitempty"`
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var req UpdateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title != nil {
		if err := h.chatService.RenameConversation(id, *req.Title); err != nil {
			h.writeError(w, err, "Failed to rename conversation")
			return
		}
	}
	if req.Model != nil {
		if err := h.chatService.SetConversationModel(id, *req.Model); err != nil {
			h.writeError(w, err, "Failed to set conversation model")
			return
		}
	}
	conv, err := h.chatService.GetConversation(id)
	if err != nil {
		h.writeError(w, err, "Failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, h.render(conv))
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteConversation(chi.URLParam(r, "conversationID")); err != nil {
		h.writeError(w, err, "Failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SelectConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := h.chatService.SelectConversation(id); err != nil {
		h.writeError(w, err, "Failed to select conversation")
		return
	}
	conv, err := h.chatService.GetConversation(id)
	if err != nil {
		h.writeError(w, err, "Failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, h.render(conv))
}

type PostMessageRequest struct {
	Content string `json:"content"`
	generationRequest
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var req PostMessageRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, err, "Invalid options")
		return
	}

	reply, err := h.chatService.PostMessage(r.Context(), id, req.Content, opts)
	if err != nil {
		h.writeError(w, err, "Failed to post message")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type EditMessageRequest struct {
	Content string `json:"content"`
	generationRequest
}

// EditMessageHandler answers 204 when the edit changed nothing and the
// regenerated reply otherwise.
func (h *APIHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	var req EditMessageRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, err, "Invalid options")
		return
	}

	reply, err := h.chatService.EditMessage(r.Context(), id, messageID, req.Content, opts)
	if err != nil {
		h.writeError(w, err, "Failed to edit message")
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *APIHandler) RegenerateMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	var req generationRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, err, "Invalid options")
		return
	}

	reply, err := h.chatService.RegenerateMessage(r.Context(), id, messageID, opts)
	if err != nil {
		h.writeError(w, err, "Failed to regenerate message")
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
