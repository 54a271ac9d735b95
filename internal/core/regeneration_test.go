package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

type completionCall struct {
	Messages []ChatMessage
	Model    string
}

// fakeGateway answers with scripted replies and records every request.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []completionCall
	replies []string
	err     error
	// block, when set, is waited on before answering.
	block chan struct{}
	// entered is signalled once the call has started.
	entered chan struct{}
}

func (f *fakeGateway) Complete(ctx context.Context, messages []ChatMessage, model string) (string, error) {
	f.mu.Lock()
	cp := make([]ChatMessage, len(messages))
	copy(cp, messages)
	f.calls = append(f.calls, completionCall{Messages: cp, Model: model})
	n := len(f.calls)
	entered, block := f.entered, f.block
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if n-1 < len(f.replies) {
		return f.replies[n-1], nil
	}
	return "reply", nil
}

func (f *fakeGateway) Calls() []completionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]completionCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// seedConversation builds a conversation from alternating U/A labels.
func seedConversation(t *testing.T, st *store.ConversationStore, model string, labels ...string) (store.Conversation, map[string]string) {
	t.Helper()
	conv := st.Create(model)
	ids := make(map[string]string)
	for _, l := range labels {
		role := store.RoleUser
		if strings.HasPrefix(l, "A") {
			role = store.RoleAssistant
		}
		m, err := st.Append(conv.ID, store.Message{Role: role, Content: l})
		require.NoError(t, err)
		ids[l] = m.ID
	}
	return conv, ids
}

func messageContents(conv store.Conversation) []string {
	out := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Content
	}
	return out
}

func TestRegenerateFromUserMessageReplacesTail(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{replies: []string{"A2'"}}
	c := NewRegenerationController(st, gw, nil)
	conv, ids := seedConversation(t, st, "gemini-1.5-flash-latest", "U1", "A1", "U2", "A2")

	msg, err := c.Regenerate(context.Background(), conv.ID, ids["U2"], RegenerationOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, store.RoleAssistant, msg.Role)

	got, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"U1", "A1", "U2", "A2'"}, messageContents(got))
	assert.NotEqual(t, ids["A2"], got.Messages[3].ID)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gemini-1.5-flash-latest", calls[0].Model)
	assert.Equal(t, []ChatMessage{
		{Role: store.RoleSystem, Content: personaPreamble},
		{Role: store.RoleUser, Content: "U1"},
		{Role: store.RoleAssistant, Content: "A1"},
		{Role: store.RoleUser, Content: "U2"},
	}, calls[0].Messages)
	assert.False(t, c.IsGenerating(conv.ID))
}

func TestRegenerateTruncationIsIndependentOfTailLength(t *testing.T) {
	for _, tail := range [][]string{{}, {"A1"}, {"A1", "U2", "A2", "U3", "A3", "U4"}} {
		st := store.NewConversationStore()
		c := NewRegenerationController(st, &fakeGateway{replies: []string{"new"}}, nil)
		labels := append([]string{"U0", "A0", "U1"}, tail...)
		conv, ids := seedConversation(t, st, "m", labels...)

		_, err := c.Regenerate(context.Background(), conv.ID, ids["U1"], RegenerationOptions{})
		require.NoError(t, err)

		got, _ := st.Get(conv.ID)
		assert.Equal(t, []string{"U0", "A0", "U1", "new"}, messageContents(got), "tail %v", tail)
	}
}

func TestRegenerateReplyFindsTriggeringUserMessage(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{replies: []string{"A1'"}}
	c := NewRegenerationController(st, gw, nil)
	conv, ids := seedConversation(t, st, "m", "U1", "A1", "U2", "A2")

	_, err := c.RegenerateReply(context.Background(), conv.ID, ids["A1"], RegenerationOptions{})
	require.NoError(t, err)

	got, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"U1", "A1'"}, messageContents(got))
}

func TestRegenerateStaleIDIsSilentNoOp(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{}
	c := NewRegenerationController(st, gw, nil)
	conv, ids := seedConversation(t, st, "m", "U1", "A1")

	tests := []struct {
		name string
		run  func() (*store.Message, error)
	}{
		{"unknown message", func() (*store.Message, error) {
			return c.Regenerate(context.Background(), conv.ID, "ghost", RegenerationOptions{})
		}},
		{"unknown conversation", func() (*store.Message, error) {
			return c.Regenerate(context.Background(), "ghost", ids["U1"], RegenerationOptions{})
		}},
		{"assistant trigger", func() (*store.Message, error) {
			return c.Regenerate(context.Background(), conv.ID, ids["A1"], RegenerationOptions{})
		}},
		{"reply without user message", func() (*store.Message, error) {
			return c.RegenerateReply(context.Background(), conv.ID, "ghost", RegenerationOptions{})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := tc.run()
			assert.NoError(t, err)
			assert.Nil(t, msg)
			assert.False(t, c.IsGenerating(conv.ID))
		})
	}

	assert.Empty(t, gw.Calls())
	got, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"U1", "A1"}, messageContents(got))
}

func TestRegenerateOptions(t *testing.T) {
	tests := []struct {
		name      string
		opts      RegenerationOptions
		wantModel string
		contains  string
		excludes  []string
	}{
		{name: "defaults", opts: RegenerationOptions{}, wantModel: "conv-model", excludes: []string{shorterInstruction, longerInstruction}},
		{name: "shorter", opts: RegenerationOptions{Length: LengthShorter}, wantModel: "conv-model", contains: shorterInstruction, excludes: []string{longerInstruction}},
		{name: "longer with model override", opts: RegenerationOptions{Length: LengthLonger, Model: "gpt-4o"}, wantModel: "gpt-4o", contains: longerInstruction, excludes: []string{shorterInstruction}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewConversationStore()
			gw := &fakeGateway{}
			c := NewRegenerationController(st, gw, nil)
			conv, ids := seedConversation(t, st, "conv-model", "U1", "A1")

			_, err := c.Regenerate(context.Background(), conv.ID, ids["U1"], tc.opts)
			require.NoError(t, err)

			calls := gw.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.wantModel, calls[0].Model)

			systemCount := 0
			for _, m := range calls[0].Messages {
				if m.Role == store.RoleSystem {
					systemCount++
				}
			}
			assert.Equal(t, 1, systemCount)
			system := calls[0].Messages[0].Content
			assert.True(t, strings.HasPrefix(system, personaPreamble))
			if tc.contains != "" {
				assert.Contains(t, system, tc.contains)
			}
			for _, ex := range tc.excludes {
				assert.NotContains(t, system, ex)
			}

			// The override is not remembered by the conversation.
			got, _ := st.Get(conv.ID)
			assert.Equal(t, "conv-model", got.Model)
		})
	}
}

func TestContextWindowIsCapped(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{}
	c := NewRegenerationController(st, gw, nil)

	var labels []string
	for i := 0; i < 15; i++ {
		labels = append(labels, "U"+string(rune('a'+i)), "A"+string(rune('a'+i)))
	}
	labels = append(labels, "Ulast")
	conv, ids := seedConversation(t, st, "m", labels...)

	_, err := c.Regenerate(context.Background(), conv.ID, ids["Ulast"], RegenerationOptions{})
	require.NoError(t, err)

	sent := gw.Calls()[0].Messages
	require.Len(t, sent, ContextWindowSize+2)
	assert.Equal(t, store.RoleSystem, sent[0].Role)
	assert.Equal(t, "Uk", sent[1].Content, "oldest messages are dropped first")
	assert.Equal(t, "Ao", sent[len(sent)-2].Content)
	assert.Equal(t, ChatMessage{Role: store.RoleUser, Content: "Ulast"}, sent[len(sent)-1])
}

func TestBuildContextWindowShortHistory(t *testing.T) {
	window := BuildContextWindow(nil, "hello", LengthDefault)
	assert.Equal(t, []ChatMessage{
		{Role: store.RoleSystem, Content: personaPreamble},
		{Role: store.RoleUser, Content: "hello"},
	}, window)
}

func TestCompletionFailureBecomesAssistantMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "gateway detail with status", err: &GatewayError{StatusCode: 429, Message: "rate limited"}, want: "Sorry, an error occurred (HTTP 429): rate limited"},
		{name: "gateway detail without status", err: &GatewayError{Message: "connection reset"}, want: "Sorry, an error occurred: connection reset"},
		{name: "opaque error", err: errors.New("boom"), want: genericFailureText},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewConversationStore()
			c := NewRegenerationController(st, &fakeGateway{err: tc.err}, nil)
			conv, ids := seedConversation(t, st, "m", "U1", "A1")

			msg, err := c.Regenerate(context.Background(), conv.ID, ids["U1"], RegenerationOptions{})
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, tc.want, msg.Content)

			got, _ := st.Get(conv.ID)
			assert.Equal(t, []string{"U1", tc.want}, messageContents(got))
			assert.False(t, c.IsGenerating(conv.ID))
		})
	}
}

func TestConcurrentRegenerationIsRejected(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{block: make(chan struct{}), entered: make(chan struct{}, 1), replies: []string{"first"}}
	c := NewRegenerationController(st, gw, nil)
	conv, ids := seedConversation(t, st, "m", "U1", "A1", "U2", "A2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Regenerate(context.Background(), conv.ID, ids["U2"], RegenerationOptions{})
		assert.NoError(t, err)
	}()
	<-gw.entered

	assert.True(t, c.IsGenerating(conv.ID))
	_, err := c.Regenerate(context.Background(), conv.ID, ids["U1"], RegenerationOptions{})
	assert.ErrorIs(t, err, ErrRegenerationInFlight)
	_, err = c.Reply(context.Background(), conv.ID, "U3", RegenerationOptions{})
	assert.ErrorIs(t, err, ErrRegenerationInFlight)

	// Truncation already happened before the request went out.
	mid, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"U1", "A1", "U2"}, messageContents(mid))

	close(gw.block)
	<-done

	got, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"U1", "A1", "U2", "first"}, messageContents(got))
	assert.False(t, c.IsGenerating(conv.ID))
}

func TestReplyAppendsUserThenAssistant(t *testing.T) {
	st := store.NewConversationStore()
	gw := &fakeGateway{replies: []string{"hi!"}}
	c := NewRegenerationController(st, gw, nil)
	conv := st.Create("m")

	msg, err := c.Reply(context.Background(), conv.ID, "hello", RegenerationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi!", msg.Content)

	got, _ := st.Get(conv.ID)
	assert.Equal(t, []string{"hello", "hi!"}, messageContents(got))

	_, err = c.Reply(context.Background(), "ghost", "hello", RegenerationOptions{})
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestParseLength(t *testing.T) {
	for in, want := range map[string]Length{"": LengthDefault, "Shorter": LengthShorter, " longer ": LengthLonger} {
		got, err := ParseLength(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLength("medium")
	assert.ErrorIs(t, err, ErrInvalidLength)
}
