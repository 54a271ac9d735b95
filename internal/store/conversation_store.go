package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrDuplicateMessageID    = errors.New("duplicate message id")
	ErrAssistantImmutable    = errors.New("assistant messages cannot be edited")
	ErrNoCurrentConversation = errors.New("no current conversation")
)

// Snapshotter receives a copy of a conversation after every mutation, in
// mutation order. Implementations are best effort; their errors are logged,
// not returned.
type Snapshotter interface {
	SaveConversation(conv Conversation) error
	DeleteConversation(id string) error
}

// ConversationStore holds the ordered conversations in memory.
// Message order is insertion order and nothing reorders it.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	currentID     string

	snapshots Snapshotter
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type StoreOption func(*ConversationStore)

func WithSnapshotter(s Snapshotter) StoreOption {
	return func(cs *ConversationStore) { cs.snapshots = s }
}

func WithLogger(l *slog.Logger) StoreOption {
	return func(cs *ConversationStore) { cs.logger = l }
}

func WithClock(now func() time.Time) StoreOption {
	return func(cs *ConversationStore) { cs.now = now }
}

// WithIDGenerator replaces uuid.NewString for message and conversation ids.
func WithIDGenerator(gen func() string) StoreOption {
	return func(cs *ConversationStore) { cs.newID = gen }
}

func NewConversationStore(opts ...StoreOption) *ConversationStore {
	cs := &ConversationStore{
		conversations: make(map[string]*Conversation),
		logger:        slog.Default(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// Load seeds the store with previously saved conversations. The most
// recently updated one becomes current.
func (s *ConversationStore) Load(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Conversation
	for i := range convs {
		c := convs[i].clone()
		s.conversations[c.ID] = &c
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = &c
		}
	}
	if latest != nil && s.currentID == "" {
		s.currentID = latest.ID
	}
}

// Create adds an empty conversation and makes it current.
func (s *ConversationStore) Create(model string) Conversation {
	s.mu.Lock()
	now := s.now()
	conv := &Conversation{
		ID:        s.newID(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.currentID = conv.ID
	snap := conv.clone()
	s.save(snap)
	s.mu.Unlock()

	return snap
}

func (s *ConversationStore) Get(conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv.clone(), nil
}

// List returns every conversation, most recently updated first.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *ConversationStore) Current() (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[s.currentID]
	if !ok {
		return Conversation{}, ErrNoCurrentConversation
	}
	return conv.clone(), nil
}

func (s *ConversationStore) SetCurrent(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	s.currentID = conversationID
	return nil
}

func (s *ConversationStore) Rename(conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	return s.mutate(conversationID, func(c *Conversation) error {
		c.Title = title
		return nil
	})
}

func (s *ConversationStore) SetModel(conversationID, model string) error {
	if model == "" {
		return nil
	}
	return s.mutate(conversationID, func(c *Conversation) error {
		c.Model = model
		c.UpdatedAt = s.now()
		return nil
	})
}

// Delete removes a conversation. If it was current, no conversation is
// current afterwards; choosing the next one is up to the caller.
func (s *ConversationStore) Delete(conversationID string) error {
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(s.conversations, conversationID)
	if s.currentID == conversationID {
		s.currentID = ""
	}
	if s.snapshots != nil {
		if err := s.snapshots.DeleteConversation(conversationID); err != nil {
			s.logger.Warn("failed to delete conversation snapshot", "conversation_id", conversationID, "error", err)
		}
	}
	s.mu.Unlock()
	return nil
}

// Append inserts msg at the tail. An empty ID or timestamp is filled in.
func (s *ConversationStore) Append(conversationID string, msg Message) (Message, error) {
	err := s.mutate(conversationID, func(c *Conversation) error {
		if msg.ID == "" {
			msg.ID = s.newID()
		}
		if c.indexOf(msg.ID) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateMessageID, msg.ID)
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = s.now()
		}
		c.Messages = append(c.Messages, msg)
		c.UpdatedAt = msg.Timestamp
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Edit replaces the content of a user message in place. It reports whether
// anything changed; empty or identical content is a no-op. Later messages
// are left alone.
func (s *ConversationStore) Edit(conversationID, messageID, newContent string) (bool, error) {
	changed := false
	err := s.mutate(conversationID, func(c *Conversation) error {
		idx := c.indexOf(messageID)
		if idx < 0 {
			return ErrMessageNotFound
		}
		msg := &c.Messages[idx]
		if msg.Role != RoleUser {
			return ErrAssistantImmutable
		}
		if newContent == "" || newContent == msg.Content {
			return errNoChange
		}
		msg.Content = newContent
		c.UpdatedAt = s.now()
		changed = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return changed, err
}

// TruncateAfter drops every message after messageID and returns the
// truncated conversation together with the index of messageID in it.
func (s *ConversationStore) TruncateAfter(conversationID, messageID string) (Conversation, int, error) {
	idx := -1
	var snap Conversation
	err := s.mutate(conversationID, func(c *Conversation) error {
		idx = c.indexOf(messageID)
		if idx < 0 {
			return ErrMessageNotFound
		}
		if idx == len(c.Messages)-1 {
			snap = c.clone()
			return errNoChange
		}
		c.Messages = c.Messages[:idx+1 : idx+1]
		c.UpdatedAt = s.now()
		snap = c.clone()
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return Conversation{}, -1, err
	}
	return snap, idx, nil
}

var errNoChange = errors.New("no change")

// mutate runs fn under the write lock and snapshots the result when fn
// returns nil.
func (s *ConversationStore) mutate(conversationID string, fn func(c *Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if err := fn(conv); err != nil {
		return err
	}
	s.save(conv.clone())
	return nil
}

// save must be called with s.mu held.
func (s *ConversationStore) save(conv Conversation) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveConversation(conv); err != nil {
		s.logger.Warn("failed to save conversation snapshot", "conversation_id", conv.ID, "error", err)
	}
}
