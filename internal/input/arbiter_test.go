package input

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	messages []string
	err      error
	busy     bool
}

func (s *fakeSink) Submit(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, content)
	return nil
}

func (s *fakeSink) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *fakeSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
	audio []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	f.calls++
	f.audio = audio
	return f.text, f.err
}

type failingDevice struct{}

func (failingDevice) Open(context.Context) (CaptureSession, error) {
	return nil, errors.New("permission denied")
}

// queueRunner holds async jobs until the test runs them.
type queueRunner struct {
	jobs []func()
}

func (q *queueRunner) run(f func()) { q.jobs = append(q.jobs, f) }

func (q *queueRunner) flush() {
	jobs := q.jobs
	q.jobs = nil
	for _, j := range jobs {
		j()
	}
}

type harness struct {
	arbiter     *InputArbiter
	sink        *fakeSink
	transcriber *fakeTranscriber
	device      *BufferedCaptureDevice
	engine      *FeedEngine
	notes       *NotificationQueue
	runner      *queueRunner
}

type harnessOpt func(*Sources)

func withoutRecorder() harnessOpt {
	return func(s *Sources) { s.Recorder = nil }
}

func withoutDictation() harnessOpt {
	return func(s *Sources) { s.Dictation = nil }
}

func withDevice(d CaptureDevice) harnessOpt {
	return func(s *Sources) { s.Recorder = NewVoiceCaptureSource(d) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		sink:        &fakeSink{},
		transcriber: &fakeTranscriber{text: "hello"},
		device:      NewBufferedCaptureDevice("audio/webm"),
		engine:      NewFeedEngine(),
		notes:       NewNotificationQueue(0, nil),
		runner:      &queueRunner{},
	}
	sources := Sources{
		Recorder:    NewVoiceCaptureSource(h.device),
		Dictation:   NewSpeechDictationSource(h.engine, nil),
		Attachments: NewAttachmentSource(PlainTextExtractor{}),
	}
	for _, opt := range opts {
		opt(&sources)
	}
	h.arbiter = NewInputArbiter(h.sink, h.transcriber, sources, h.notes,
		WithAsyncRunner(h.runner.run), WithSendFileLabel("Sending file"))
	return h
}

func TestSubmitTypedText(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateIdle, h.arbiter.State())

	require.NoError(t, h.arbiter.SetText("  hi there  "))
	assert.Equal(t, StateTyping, h.arbiter.State())

	outcome, err := h.arbiter.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, []string{"hi there"}, h.sink.Messages())
	assert.Equal(t, StateIdle, h.arbiter.State())
	assert.Empty(t, h.arbiter.Snapshot().Text)
}

func TestSubmitNoops(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.arbiter.SetText("   "))
		outcome, err := h.arbiter.Submit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Empty(t, h.sink.Messages())
	})

	t.Run("reply outstanding", func(t *testing.T) {
		h := newHarness(t)
		h.sink.busy = true
		require.NoError(t, h.arbiter.SetText("hi"))
		outcome, err := h.arbiter.Submit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, "hi", h.arbiter.Snapshot().Text)
		assert.Empty(t, h.sink.Messages())
	})
}

func TestSubmitFailureRestoresText(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errors.New("conversation gone")
	require.NoError(t, h.arbiter.SetText("hi"))

	_, err := h.arbiter.Submit(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "hi", h.arbiter.Snapshot().Text)
	assert.Len(t, h.notes.Drain(), 1)
}

func TestOversizedFileIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.arbiter.SetText("draft"))

	_, err := h.arbiter.AttachFile("big.txt", make([]byte, 10<<20), "text/plain")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	snap := h.arbiter.Snapshot()
	assert.Equal(t, StateTyping, snap.State)
	assert.Nil(t, snap.Attachment)
	assert.Equal(t, ModalityNone, snap.ArmedModality)

	notes := h.notes.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, LevelError, notes[0].Level)
}

func TestRecordingSubmitTranscribesAndSendsItself(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	assert.Equal(t, StateRecordingActive, h.arbiter.State())
	require.NoError(t, h.device.Write([]byte("audio-bytes"), ""))

	outcome, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTranscribing, outcome)
	assert.Empty(t, h.sink.Messages(), "submit while recording sends nothing by itself")
	assert.Equal(t, StateTranscribing, h.arbiter.State())

	// The device is released as soon as the recording stops.
	_, err = h.device.Open(ctx)
	require.NoError(t, err)

	again, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, again)
	assert.ErrorIs(t, h.arbiter.SetText("x"), ErrComposerBusy)

	h.runner.flush()
	assert.Equal(t, []string{"hello"}, h.sink.Messages())
	assert.Equal(t, 1, h.transcriber.calls)
	assert.Equal(t, []byte("audio-bytes"), h.transcriber.audio)
	assert.Equal(t, StateIdle, h.arbiter.State())
}

func TestToggleVoiceStopsRecordingLikeSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	assert.Equal(t, StateTranscribing, h.arbiter.State())

	h.runner.flush()
	assert.Equal(t, []string{"hello"}, h.sink.Messages())
}

func TestTranscriptionErrorNotifies(t *testing.T) {
	h := newHarness(t)
	h.transcriber.err = errors.New("HTTP 500")
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	_, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	h.runner.flush()

	assert.Empty(t, h.sink.Messages())
	snap := h.arbiter.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Text)

	notes := h.notes.Drain()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "HTTP 500")
}

func TestEmptyTranscriptSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.transcriber.text = "   "
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	_, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	h.runner.flush()

	assert.Empty(t, h.sink.Messages())
	assert.Equal(t, StateIdle, h.arbiter.State())
}

func TestCancelVoiceDiscardsAudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	h.arbiter.CancelVoice()
	h.runner.flush()

	assert.Equal(t, StateIdle, h.arbiter.State())
	assert.Zero(t, h.transcriber.calls)
	assert.Empty(t, h.sink.Messages())
}

func TestCaptureErrorRevertsToIdle(t *testing.T) {
	h := newHarness(t, withDevice(failingDevice{}))

	err := h.arbiter.ToggleVoice(context.Background())
	assert.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.Equal(t, StateIdle, h.arbiter.State())
	assert.Len(t, h.notes.Drain(), 1)
}

func TestNoVoiceMechanism(t *testing.T) {
	h := newHarness(t, withoutRecorder(), withoutDictation())
	assert.False(t, h.arbiter.Snapshot().VoiceSupported)
	assert.ErrorIs(t, h.arbiter.ToggleVoice(context.Background()), ErrCaptureUnavailable)
}

func TestDictationFallback(t *testing.T) {
	h := newHarness(t, withoutRecorder())
	ctx := context.Background()

	require.NoError(t, h.arbiter.SetText("start"))
	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	assert.Equal(t, StateDictationActive, h.arbiter.State())

	require.NoError(t, h.engine.Push(RecognitionResult{Text: "hel"}))
	snap := h.arbiter.Snapshot()
	assert.Equal(t, "start", snap.Text, "interim results are not committed")
	assert.Equal(t, "hel", snap.Interim)

	require.NoError(t, h.engine.Push(RecognitionResult{Text: "hello world", Final: true}))
	require.NoError(t, h.engine.Push(RecognitionResult{Text: " again ", Final: true}))
	snap = h.arbiter.Snapshot()
	assert.Equal(t, "start hello world again", snap.Text)
	assert.Empty(t, snap.Interim)

	outcome, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, []string{"start hello world again"}, h.sink.Messages())
	assert.Equal(t, StateIdle, h.arbiter.State())
	assert.False(t, h.engine.Running())
}

func TestDictationToggleOff(t *testing.T) {
	h := newHarness(t, withoutRecorder())
	ctx := context.Background()

	require.NoError(t, h.arbiter.ToggleVoice(ctx))
	require.NoError(t, h.engine.Push(RecognitionResult{Text: "note", Final: true}))
	require.NoError(t, h.arbiter.ToggleVoice(ctx))

	assert.Equal(t, StateTyping, h.arbiter.State())
	assert.Equal(t, "note", h.arbiter.Snapshot().Text)
	assert.ErrorIs(t, h.engine.Push(RecognitionResult{Text: "late", Final: true}), ErrDictationInactive)
}

func TestAttachmentSubmitSendsFileMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.arbiter.AttachFile("notes.txt", []byte("line one\nline two"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", info.MIMEType)
	assert.Equal(t, StateAttachmentPending, h.arbiter.State())

	outcome, err := h.arbiter.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploading, outcome)
	assert.Equal(t, StateUploading, h.arbiter.State())
	assert.ErrorIs(t, h.arbiter.RemoveAttachment(), ErrComposerBusy)

	h.runner.flush()
	assert.Equal(t, []string{"Sending file notes.txt:\n\n[File: notes.txt]\nline one\nline two"}, h.sink.Messages())
	snap := h.arbiter.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Attachment)
}

func TestAttachmentFailureKeepsFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.arbiter.AttachFile("report.pdf", []byte("%PDF-1.4 fake"), "application/pdf")
	require.NoError(t, err)

	_, err = h.arbiter.Submit(ctx)
	require.NoError(t, err)
	h.runner.flush()

	assert.Empty(t, h.sink.Messages())
	snap := h.arbiter.Snapshot()
	assert.Equal(t, StateAttachmentPending, snap.State)
	require.NotNil(t, snap.Attachment)
	assert.Equal(t, "report.pdf", snap.Attachment.Name)
	assert.Len(t, h.notes.Drain(), 1)
}

func TestModalityExclusivity(t *testing.T) {
	ctx := context.Background()

	t.Run("attaching cancels recording", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.arbiter.ToggleVoice(ctx))
		_, err := h.arbiter.AttachFile("a.txt", []byte("x"), "text/plain")
		require.NoError(t, err)

		snap := h.arbiter.Snapshot()
		assert.Equal(t, ModalityAttachment, snap.ArmedModality)
		assert.Equal(t, StateAttachmentPending, snap.State)
		h.runner.flush()
		assert.Zero(t, h.transcriber.calls)
	})

	t.Run("voice clears attachment", func(t *testing.T) {
		h := newHarness(t, withoutRecorder())
		_, err := h.arbiter.AttachFile("a.txt", []byte("x"), "text/plain")
		require.NoError(t, err)
		require.NoError(t, h.arbiter.ToggleVoice(ctx))

		snap := h.arbiter.Snapshot()
		assert.Equal(t, ModalityDictation, snap.ArmedModality)
		assert.Nil(t, snap.Attachment)
	})

	t.Run("attaching stops dictation", func(t *testing.T) {
		h := newHarness(t, withoutRecorder())
		require.NoError(t, h.arbiter.ToggleVoice(ctx))
		_, err := h.arbiter.AttachFile("a.txt", []byte("x"), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, ModalityAttachment, h.arbiter.Snapshot().ArmedModality)
		assert.False(t, h.engine.Running())
	})
}

func TestArmingWhileUploadingIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.arbiter.AttachFile("a.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	_, err = h.arbiter.Submit(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, h.arbiter.ToggleVoice(ctx), ErrComposerBusy)
	_, err = h.arbiter.AttachFile("b.txt", []byte("y"), "text/plain")
	assert.ErrorIs(t, err, ErrComposerBusy)
	assert.Equal(t, StateUploading, h.arbiter.State())
}

// Every arm-then-submit sequence yields exactly one message.
func TestSingleOutgoingMessagePerSubmit(t *testing.T) {
	ctx := context.Background()
	tests := map[string]struct {
		opts []harnessOpt
		arm  func(t *testing.T, h *harness)
	}{
		"text": {
			arm: func(t *testing.T, h *harness) { require.NoError(t, h.arbiter.SetText("typed")) },
		},
		"dictation": {
			opts: []harnessOpt{withoutRecorder()},
			arm: func(t *testing.T, h *harness) {
				require.NoError(t, h.arbiter.ToggleVoice(ctx))
				require.NoError(t, h.engine.Push(RecognitionResult{Text: "spoken", Final: true}))
			},
		},
		"recording": {
			arm: func(t *testing.T, h *harness) { require.NoError(t, h.arbiter.ToggleVoice(ctx)) },
		},
		"attachment": {
			arm: func(t *testing.T, h *harness) {
				_, err := h.arbiter.AttachFile("f.csv", []byte("a,b\n1,2\n"), "text/csv")
				require.NoError(t, err)
			},
		},
		"text and attachment": {
			arm: func(t *testing.T, h *harness) {
				require.NoError(t, h.arbiter.SetText("ignored"))
				_, err := h.arbiter.AttachFile("f.txt", []byte("body"), "text/plain")
				require.NoError(t, err)
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tc.opts...)
			tc.arm(t, h)
			_, err := h.arbiter.Submit(ctx)
			require.NoError(t, err)
			h.runner.flush()
			assert.Len(t, h.sink.Messages(), 1)
		})
	}
}

func TestTextAndAttachmentPrefersFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.arbiter.SetText("typed"))
	_, err := h.arbiter.AttachFile("f.txt", []byte("body"), "text/plain")
	require.NoError(t, err)

	_, err = h.arbiter.Submit(context.Background())
	require.NoError(t, err)
	h.runner.flush()

	msgs := h.sink.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "Sending file f.txt:"))
	assert.Empty(t, h.arbiter.Snapshot().Text, "buffer is cleared with the attachment")
}
