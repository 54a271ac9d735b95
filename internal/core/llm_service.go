package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

const (
	emptyReplyText   = "I'm sorry, I couldn't generate a response at this time. Please try again."
	nonTextReplyText = "I received an empty or non-text response, please try rephrasing your question."
)

var _ CompletionGateway = (*GeminiService)(nil)

// GeminiService is a CompletionGateway backed by the Gemini API.
type GeminiService struct {
	client *genai.Client
	logger *slog.Logger
}

func NewGeminiService(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiService{client: client, logger: logger}, nil
}

func (s *GeminiService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("error closing GenAI client", "error", err)
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

// Complete sends the last user turn through a chat session whose history is
// every earlier non-system message. System messages become the model's
// system instruction.
func (s *GeminiService) Complete(ctx context.Context, messages []ChatMessage, model string) (string, error) {
	system, history, last, err := splitForGemini(messages)
	if err != nil {
		return "", err
	}

	gm := s.client.GenerativeModel(model)
	if len(system) > 0 {
		gm.SystemInstruction = &genai.Content{Parts: system}
	}

	chatSession := gm.StartChat()
	chatSession.History = history

	resp, err := chatSession.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", geminiError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		s.logger.Warn("gemini response was empty or had no valid candidates", "model", model)
		return emptyReplyText, nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug("gemini response part was not text", "type", fmt.Sprintf("%T", part))
		}
	}

	if responseText.Len() == 0 {
		return nonTextReplyText, nil
	}
	return responseText.String(), nil
}

func splitForGemini(messages []ChatMessage) ([]genai.Part, []*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, nil, "", &GatewayError{Message: "prompt history is empty"}
	}
	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != store.RoleUser {
		return nil, nil, "", &GatewayError{Message: "last message is not from the user"}
	}

	var system []genai.Part
	var history []*genai.Content
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case store.RoleSystem:
			system = append(system, genai.Text(m.Content))
		case store.RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return system, history, lastMsg.Content, nil
}

func geminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Body
		}
		return &GatewayError{StatusCode: apiErr.Code, Message: msg, Cause: err}
	}
	return &GatewayError{Message: err.Error(), Cause: err}
}
