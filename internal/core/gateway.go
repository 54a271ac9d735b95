package core

import (
	"context"
	"fmt"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

// ChatMessage is one entry of the ordered list sent to a completion backend.
type ChatMessage struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// CompletionGateway returns one assistant reply for an ordered message list.
// Errors are not retried.
type CompletionGateway interface {
	Complete(ctx context.Context, messages []ChatMessage, model string) (string, error)
}

// TranscriptionGateway turns one finished audio blob into text.
type TranscriptionGateway interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// GatewayError is the normalized failure of a remote backend call.
// StatusCode is the HTTP status when the backend reported one, else 0.
type GatewayError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}
