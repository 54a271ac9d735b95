package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

// ContextWindowSize caps how many prior messages accompany a request.
const ContextWindowSize = 10

const (
	personaPreamble = "You are a helpful, friendly and knowledgeable assistant. " +
		"Answer clearly and accurately, format your answers with Markdown when it helps readability, " +
		"and say so plainly when you do not know something."

	shorterInstruction = "Answer very concisely, in at most 2-3 sentences."
	longerInstruction  = "Elaborate extensively: give a detailed, thorough answer with explanations and examples."

	genericFailureText = "I'm sorry, I'm experiencing technical difficulties right now. Please try again in a moment."
)

var (
	ErrRegenerationInFlight = errors.New("a reply is already being generated for this conversation")
	ErrInvalidLength        = errors.New("length must be \"shorter\" or \"longer\"")
)

type Length string

const (
	LengthDefault Length = ""
	LengthShorter Length = "shorter"
	LengthLonger  Length = "longer"
)

func ParseLength(s string) (Length, error) {
	switch Length(strings.ToLower(strings.TrimSpace(s))) {
	case LengthDefault:
		return LengthDefault, nil
	case LengthShorter:
		return LengthShorter, nil
	case LengthLonger:
		return LengthLonger, nil
	}
	return LengthDefault, ErrInvalidLength
}

// RegenerationOptions apply to a single call and are never stored.
type RegenerationOptions struct {
	Model  string
	Length Length
}

// RegenerationController recomputes the tail of a conversation: it truncates
// back to a user message, rebuilds the context window and appends the new
// assistant reply. At most one call runs per conversation at a time.
type RegenerationController struct {
	store   *store.ConversationStore
	gateway CompletionGateway
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewRegenerationController(st *store.ConversationStore, gw CompletionGateway, logger *slog.Logger) *RegenerationController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegenerationController{
		store:    st,
		gateway:  gw,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// IsGenerating reports whether a reply is outstanding for the conversation.
func (c *RegenerationController) IsGenerating(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[conversationID]
}

func (c *RegenerationController) begin(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[conversationID] {
		return false
	}
	c.inFlight[conversationID] = true
	return true
}

func (c *RegenerationController) end(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, conversationID)
}

// Reply appends a new user message and generates the assistant answer to it.
func (c *RegenerationController) Reply(ctx context.Context, conversationID, content string, opts RegenerationOptions) (*store.Message, error) {
	if !c.begin(conversationID) {
		return nil, ErrRegenerationInFlight
	}
	defer c.end(conversationID)

	userMsg, err := c.store.Append(conversationID, store.Message{Role: store.RoleUser, Content: content})
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}
	return c.generate(ctx, conversationID, userMsg.ID, opts)
}

// Regenerate discards everything after the user message triggerID and
// generates a fresh reply to it. A stale id is a silent no-op (nil, nil).
func (c *RegenerationController) Regenerate(ctx context.Context, conversationID, triggerID string, opts RegenerationOptions) (*store.Message, error) {
	if !c.begin(conversationID) {
		return nil, ErrRegenerationInFlight
	}
	defer c.end(conversationID)

	return c.generate(ctx, conversationID, triggerID, opts)
}

// EditAndRegenerate rewrites the user message messageID and regenerates
// everything after it. The conversation stays claimed from the edit through
// the new reply, so a rejected call leaves the history untouched. A stale id
// or unchanged content is a silent no-op (nil, nil).
func (c *RegenerationController) EditAndRegenerate(ctx context.Context, conversationID, messageID, content string, opts RegenerationOptions) (*store.Message, error) {
	if !c.begin(conversationID) {
		return nil, ErrRegenerationInFlight
	}
	defer c.end(conversationID)

	changed, err := c.store.Edit(conversationID, messageID, content)
	switch {
	case errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrConversationNotFound):
		c.logger.Debug("edit target not found", "conversation_id", conversationID, "message_id", messageID)
		return nil, nil
	case err != nil:
		return nil, err
	case !changed:
		return nil, nil
	}
	return c.generate(ctx, conversationID, messageID, opts)
}

// RegenerateReply recomputes an assistant reply by regenerating from the
// user message right before it.
func (c *RegenerationController) RegenerateReply(ctx context.Context, conversationID, assistantID string, opts RegenerationOptions) (*store.Message, error) {
	conv, err := c.store.Get(conversationID)
	if err != nil {
		c.logger.Debug("regenerate target conversation not found", "conversation_id", conversationID)
		return nil, nil
	}
	triggerID := precedingUserMessage(conv.Messages, assistantID)
	if triggerID == "" {
		c.logger.Debug("no user message precedes regenerate target", "conversation_id", conversationID, "message_id", assistantID)
		return nil, nil
	}
	return c.Regenerate(ctx, conversationID, triggerID, opts)
}

// generate must run between begin and end.
func (c *RegenerationController) generate(ctx context.Context, conversationID, triggerID string, opts RegenerationOptions) (*store.Message, error) {
	conv, err := c.store.Get(conversationID)
	if err != nil {
		c.logger.Debug("regeneration conversation not found", "conversation_id", conversationID)
		return nil, nil
	}
	if i := indexOf(conv.Messages, triggerID); i < 0 || conv.Messages[i].Role != store.RoleUser {
		c.logger.Debug("regeneration trigger is not a user message in the conversation", "conversation_id", conversationID, "message_id", triggerID)
		return nil, nil
	}

	// Truncation completes before the request is built so a later call
	// always sees the shortened list.
	conv, idx, err := c.store.TruncateAfter(conversationID, triggerID)
	if err != nil {
		c.logger.Debug("regeneration trigger vanished before truncation", "conversation_id", conversationID, "message_id", triggerID, "error", err)
		return nil, nil
	}
	trigger := conv.Messages[idx]

	messages := BuildContextWindow(conv.Messages[:idx], trigger.Content, opts.Length)
	model := ResolveModel(opts, conv.Model)

	started := time.Now()
	reply, err := c.gateway.Complete(ctx, messages, model)
	if err != nil {
		c.logger.Error("completion failed", "conversation_id", conversationID, "model", model, "error", err)
		reply = FailureMessage(err)
	} else {
		c.logger.Info("completion succeeded", "conversation_id", conversationID, "model", model,
			"duration_ms", time.Since(started).Milliseconds(), "message_length", len(reply))
	}

	assistant, err := c.store.Append(conversationID, store.Message{Role: store.RoleAssistant, Content: reply})
	if err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	return &assistant, nil
}

// BuildContextWindow assembles one system instruction, at most
// ContextWindowSize prior messages in their original order, and the final
// user turn.
func BuildContextWindow(prior []store.Message, finalUserTurn string, length Length) []ChatMessage {
	if len(prior) > ContextWindowSize {
		prior = prior[len(prior)-ContextWindowSize:]
	}

	out := make([]ChatMessage, 0, len(prior)+2)
	out = append(out, ChatMessage{Role: store.RoleSystem, Content: systemInstruction(length)})
	for _, m := range prior {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	out = append(out, ChatMessage{Role: store.RoleUser, Content: finalUserTurn})
	return out
}

func systemInstruction(length Length) string {
	switch length {
	case LengthShorter:
		return personaPreamble + "\n\n" + shorterInstruction
	case LengthLonger:
		return personaPreamble + "\n\n" + longerInstruction
	default:
		return personaPreamble
	}
}

// ResolveModel prefers the per-call override over the conversation's model.
func ResolveModel(opts RegenerationOptions, conversationModel string) string {
	if opts.Model != "" {
		return opts.Model
	}
	return conversationModel
}

// FailureMessage is the text of the synthetic assistant message recorded
// when a completion fails.
func FailureMessage(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && strings.TrimSpace(gwErr.Message) != "" {
		if gwErr.StatusCode != 0 {
			return fmt.Sprintf("Sorry, an error occurred (HTTP %d): %s", gwErr.StatusCode, gwErr.Message)
		}
		return "Sorry, an error occurred: " + gwErr.Message
	}
	return genericFailureText
}

func indexOf(msgs []store.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func precedingUserMessage(msgs []store.Message, id string) string {
	idx := indexOf(msgs, id)
	if idx < 0 {
		return ""
	}
	if msgs[idx].Role == store.RoleUser {
		return msgs[idx].ID
	}
	for i := idx - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			return msgs[i].ID
		}
	}
	return ""
}
