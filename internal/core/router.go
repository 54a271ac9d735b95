package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ModelRouter dispatches completions by model id: "gemini*" models go to
// Gemini, everything else to the OpenAI-compatible backend. A nil backend
// means it is not configured.
type ModelRouter struct {
	Gemini CompletionGateway
	OpenAI CompletionGateway
}

func (r *ModelRouter) Complete(ctx context.Context, messages []ChatMessage, model string) (string, error) {
	backend, name := r.route(model)
	if backend == nil {
		return "", &GatewayError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    fmt.Sprintf("no %s provider configured for model %q", name, model),
		}
	}
	return backend.Complete(ctx, messages, model)
}

func (r *ModelRouter) route(model string) (CompletionGateway, string) {
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return r.Gemini, "Gemini"
	}
	return r.OpenAI, "OpenAI"
}
