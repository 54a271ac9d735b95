package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// PlaceholderTranscript is returned by Transcribe when no credential is
// configured. Callers treat it as a successful transcription.
const PlaceholderTranscript = "This is a simulated transcription. Configure an OpenAI API key to transcribe real audio."

type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	// PlaceholderDelay simulates transcription latency when APIKey is empty.
	PlaceholderDelay time.Duration
}

var (
	_ CompletionGateway    = (*OpenAIService)(nil)
	_ TranscriptionGateway = (*OpenAIService)(nil)
)

// OpenAIService talks to any OpenAI-compatible endpoint. It is both a
// CompletionGateway and a TranscriptionGateway.
type OpenAIService struct {
	client *openai.Client
	config OpenAIConfig
	logger *slog.Logger
}

func NewOpenAIService(cfg OpenAIConfig, logger *slog.Logger) *OpenAIService {
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIService{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: logger,
	}
}

// HasCredentials reports whether real backend calls can be made.
func (s *OpenAIService) HasCredentials() bool {
	return s.config.APIKey != ""
}

func (s *OpenAIService) Complete(ctx context.Context, messages []ChatMessage, model string) (string, error) {
	if len(messages) == 0 {
		return "", &GatewayError{Message: "prompt history is empty"}
	}

	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		llmMessages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: llmMessages,
	})
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 {
		s.logger.Warn("openai response had no choices", "model", model)
		return emptyReplyText, nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (s *OpenAIService) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if !s.HasCredentials() {
		s.logger.Info("no transcription credential configured, returning placeholder transcript")
		select {
		case <-time.After(s.config.PlaceholderDelay):
			return PlaceholderTranscript, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if len(audio) == 0 {
		return "", &GatewayError{Message: "audio recording is empty"}
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.config.TranscriptionModel,
		FilePath: "recording" + audioExtension(mimeType),
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", openAIError(err)
	}
	return resp.Text, nil
}

// audioExtension picks the file name suffix the transcription endpoint uses
// to guess the container format.
func audioExtension(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return ".m4a"
	default:
		return ".webm"
	}
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &GatewayError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &GatewayError{StatusCode: reqErr.HTTPStatusCode, Message: msg, Cause: err}
	}
	return &GatewayError{Message: err.Error(), Cause: err}
}
