package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

const titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
	"The title should be 3-5 words maximum. Just return the title itself, nothing else."

var ErrEmptyMessage = errors.New("message content cannot be empty")

type ChatService struct {
	store        *store.ConversationStore
	regen        *RegenerationController
	llm          CompletionGateway // For title generation
	defaultModel string
	logger       *slog.Logger

	async  func(func())
	titles bool
}

type ChatServiceOption func(*ChatService)

// WithAsyncRunner replaces the goroutine launcher used for background work.
func WithAsyncRunner(run func(func())) ChatServiceOption {
	return func(s *ChatService) { s.async = run }
}

func WithTitleGeneration(enabled bool) ChatServiceOption {
	return func(s *ChatService) { s.titles = enabled }
}

func NewChatService(st *store.ConversationStore, regen *RegenerationController, llm CompletionGateway, defaultModel string, logger *slog.Logger, opts ...ChatServiceOption) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ChatService{
		store:        st,
		regen:        regen,
		llm:          llm,
		defaultModel: defaultModel,
		logger:       logger,
		async:        func(f func()) { go f() },
		titles:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatService) CreateConversation(model string) store.Conversation {
	if model == "" {
		model = s.defaultModel
	}
	return s.store.Create(model)
}

func (s *ChatService) ListConversations() []store.Conversation {
	return s.store.List()
}

func (s *ChatService) GetConversation(conversationID string) (store.Conversation, error) {
	return s.store.Get(conversationID)
}

// CurrentConversation returns the current conversation, creating one when
// there is none.
func (s *ChatService) CurrentConversation() store.Conversation {
	conv, err := s.store.Current()
	if err == nil {
		return conv
	}
	return s.store.Create(s.defaultModel)
}

// CurrentConversationID reports the current conversation without creating
// one.
func (s *ChatService) CurrentConversationID() (string, bool) {
	conv, err := s.store.Current()
	if err != nil {
		return "", false
	}
	return conv.ID, true
}

func (s *ChatService) SelectConversation(conversationID string) error {
	return s.store.SetCurrent(conversationID)
}

func (s *ChatService) RenameConversation(conversationID, title string) error {
	return s.store.Rename(conversationID, title)
}

func (s *ChatService) SetConversationModel(conversationID, model string) error {
	return s.store.SetModel(conversationID, model)
}

// DeleteConversation removes a conversation and, when it was current,
// selects the most recently updated remaining one.
func (s *ChatService) DeleteConversation(conversationID string) error {
	current, curErr := s.store.Current()
	if err := s.store.Delete(conversationID); err != nil {
		return err
	}
	if curErr == nil && current.ID == conversationID {
		if remaining := s.store.List(); len(remaining) > 0 {
			_ = s.store.SetCurrent(remaining[0].ID)
		}
	}
	return nil
}

// IsGenerating is the loading indicator for one conversation.
func (s *ChatService) IsGenerating(conversationID string) bool {
	return s.regen.IsGenerating(conversationID)
}

// PostMessage appends the user's message and returns the assistant reply,
// which is an error message when the backend failed.
func (s *ChatService) PostMessage(ctx context.Context, conversationID, content string, opts RegenerationOptions) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.store.Get(conversationID); err != nil {
		return nil, err
	}

	reply, err := s.regen.Reply(ctx, conversationID, content, opts)
	if err != nil {
		return nil, err
	}
	s.maybeGenerateTitle(conversationID)
	return reply, nil
}

// EditMessage rewrites a user message and regenerates everything after it.
// Returns (nil, nil) when nothing changed or the message no longer exists.
func (s *ChatService) EditMessage(ctx context.Context, conversationID, messageID, content string, opts RegenerationOptions) (*store.Message, error) {
	return s.regen.EditAndRegenerate(ctx, conversationID, messageID, strings.TrimSpace(content), opts)
}

// RegenerateMessage accepts either an assistant reply or the user message
// that produced it.
func (s *ChatService) RegenerateMessage(ctx context.Context, conversationID, messageID string, opts RegenerationOptions) (*store.Message, error) {
	return s.regen.RegenerateReply(ctx, conversationID, messageID, opts)
}

// Submit sends content to the current conversation. It is the message sink
// of the input composer.
func (s *ChatService) Submit(ctx context.Context, content string) error {
	conv := s.CurrentConversation()
	if _, err := s.PostMessage(ctx, conv.ID, content, RegenerationOptions{}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Busy reports whether the current conversation is waiting for a reply.
func (s *ChatService) Busy() bool {
	conv, err := s.store.Current()
	if err != nil {
		return false
	}
	return s.regen.IsGenerating(conv.ID)
}

func (s *ChatService) maybeGenerateTitle(conversationID string) {
	if !s.titles || s.llm == nil {
		return
	}
	conv, err := s.store.Get(conversationID)
	if err != nil || conv.Title != store.DefaultTitle {
		return
	}
	var firstUser string
	replies := 0
	for _, m := range conv.Messages {
		if m.Role == store.RoleUser && firstUser == "" {
			firstUser = m.Content
		}
		if m.Role == store.RoleAssistant {
			replies++
		}
	}
	if firstUser == "" || replies != 1 {
		return
	}
	s.async(func() { s.generateAndSaveTitle(conversationID, conv.Model, firstUser) })
}

func (s *ChatService) generateAndSaveTitle(conversationID, model, basisContent string) {
	s.logger.Debug("attempting to generate title", "conversation_id", conversationID)
	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: \"%s\".", basisContent)
	title, err := s.llm.Complete(context.Background(), []ChatMessage{
		{Role: store.RoleSystem, Content: titleSystemInstruction},
		{Role: store.RoleUser, Content: prompt},
	}, model)
	if err != nil {
		s.logger.Warn("failed to generate title", "conversation_id", conversationID, "error", err)
		return
	}
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return
	}
	if conv, err := s.store.Get(conversationID); err != nil || conv.Title != store.DefaultTitle {
		return // Deleted or renamed by the user in the meantime
	}

	if err := s.store.Rename(conversationID, title); err != nil {
		s.logger.Warn("failed to save generated title", "conversation_id", conversationID, "title", title, "error", err)
	} else {
		s.logger.Info("saved generated title", "conversation_id", conversationID, "title", title)
	}
}
