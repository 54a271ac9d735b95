package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const DefaultSendFileLabel = "Sending file"

var ErrComposerBusy = errors.New("composer is busy with a pending upload or transcription")

// State is the composer state. It is derived from the arbiter's fields and
// never stored.
type State string

const (
	StateIdle              State = "idle"
	StateTyping            State = "typing"
	StateDictationActive   State = "dictation"
	StateRecordingActive   State = "recording"
	StateTranscribing      State = "transcribing"
	StateAttachmentPending State = "attachment"
	StateUploading         State = "uploading"
)

type Modality string

const (
	ModalityNone       Modality = "none"
	ModalityDictation  Modality = "dictation"
	ModalityRecording  Modality = "recording"
	ModalityAttachment Modality = "attachment"
)

// SubmitOutcome reports which submit rule fired.
type SubmitOutcome string

const (
	OutcomeNoop         SubmitOutcome = "noop"
	OutcomeSent         SubmitOutcome = "sent"
	OutcomeTranscribing SubmitOutcome = "transcribing"
	OutcomeUploading    SubmitOutcome = "uploading"
)

// MessageSink receives the single outgoing message of a submission.
// Busy reports whether a reply is still being generated.
type MessageSink interface {
	Submit(ctx context.Context, content string) error
	Busy() bool
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// PendingInput is a snapshot of the composer.
type PendingInput struct {
	State                 State           `json:"state"`
	Text                  string          `json:"text"`
	Interim               string          `json:"interim,omitempty"`
	ArmedModality         Modality        `json:"armedModality"`
	Attachment            *AttachmentInfo `json:"attachment,omitempty"`
	TranscriptionInFlight bool            `json:"transcriptionInFlight"`
	Uploading             bool            `json:"uploading"`
	VoiceSupported        bool            `json:"voiceSupported"`
}

// Sources are the input modalities one composer arbitrates between. Any of
// them may be nil when the modality is unavailable.
type Sources struct {
	Recorder    *VoiceCaptureSource
	Dictation   *SpeechDictationSource
	Attachments *AttachmentSource
}

// TranscriptionResult is the completion event of an asynchronous
// transcription.
type TranscriptionResult struct {
	Text string
	Err  error
}

// UploadResult is the completion event of attachment materialization.
// Message is the composed outgoing file message.
type UploadResult struct {
	Message string
	Err     error
}

type ArbiterOption func(*InputArbiter)

// WithAsyncRunner replaces the goroutine launcher used for transcription
// and upload work.
func WithAsyncRunner(run func(func())) ArbiterOption {
	return func(a *InputArbiter) { a.async = run }
}

func WithSendFileLabel(label string) ArbiterOption {
	return func(a *InputArbiter) {
		if label != "" {
			a.sendFileLabel = label
		}
	}
}

func WithArbiterLogger(logger *slog.Logger) ArbiterOption {
	return func(a *InputArbiter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// InputArbiter owns one message composer. It keeps at most one input
// modality armed and turns every submit into at most one outgoing message.
type InputArbiter struct {
	sink          MessageSink
	transcriber   Transcriber
	recorder      *VoiceCaptureSource
	dictation     *SpeechDictationSource
	attachments   *AttachmentSource
	notifier      Notifier
	logger        *slog.Logger
	async         func(func())
	sendFileLabel string

	mu           sync.Mutex
	text         string
	interim      string
	transcribing bool
	uploading    bool
}

func NewInputArbiter(sink MessageSink, transcriber Transcriber, sources Sources, notifier Notifier, opts ...ArbiterOption) *InputArbiter {
	a := &InputArbiter{
		sink:          sink,
		transcriber:   transcriber,
		recorder:      sources.Recorder,
		dictation:     sources.Dictation,
		attachments:   sources.Attachments,
		notifier:      notifier,
		logger:        slog.Default(),
		async:         func(f func()) { go f() },
		sendFileLabel: DefaultSendFileLabel,
	}
	if a.attachments == nil {
		a.attachments = NewAttachmentSource(PlainTextExtractor{})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *InputArbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *InputArbiter) stateLocked() State {
	_, pending := a.attachments.Pending()
	switch {
	case a.uploading:
		return StateUploading
	case a.transcribing:
		return StateTranscribing
	case a.recorder.Recording():
		return StateRecordingActive
	case a.dictation.Active():
		return StateDictationActive
	case pending:
		return StateAttachmentPending
	case a.text != "":
		return StateTyping
	default:
		return StateIdle
	}
}

func (a *InputArbiter) Snapshot() PendingInput {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := PendingInput{
		State:                 a.stateLocked(),
		Text:                  a.text,
		Interim:               a.interim,
		ArmedModality:         ModalityNone,
		TranscriptionInFlight: a.transcribing,
		Uploading:             a.uploading,
		VoiceSupported:        a.recorder.Supported() || a.dictation.Supported(),
	}
	info, pending := a.attachments.Pending()
	switch {
	case a.recorder.Recording():
		p.ArmedModality = ModalityRecording
	case a.dictation.Active():
		p.ArmedModality = ModalityDictation
	case pending:
		p.ArmedModality = ModalityAttachment
	}
	if pending {
		p.Attachment = &info
	}
	return p
}

func (a *InputArbiter) busyLocked() bool {
	return a.uploading || a.transcribing
}

// SetText replaces the composer text buffer.
func (a *InputArbiter) SetText(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busyLocked() {
		return ErrComposerBusy
	}
	a.text = text
	return nil
}

// ToggleVoice stops the active voice modality or starts the preferred one.
// Recording wins over dictation when both are available. Stopping a
// recording transcribes it and sends the result.
func (a *InputArbiter) ToggleVoice(ctx context.Context) error {
	a.mu.Lock()

	if a.busyLocked() {
		a.mu.Unlock()
		return ErrComposerBusy
	}
	if a.recorder.Recording() {
		launch, err := a.stopRecordingLocked(ctx)
		a.mu.Unlock()
		if err != nil {
			return err
		}
		a.async(launch)
		return nil
	}
	defer a.mu.Unlock()

	if a.dictation.Active() {
		a.dictation.Stop()
		a.interim = ""
		return nil
	}

	switch {
	case a.recorder.Supported():
		if err := a.recorder.Start(ctx); err != nil {
			a.notify(LevelError, fmt.Sprintf("Could not access the microphone: %v", err))
			return err
		}
	case a.dictation.Supported():
		if err := a.dictation.Start(a.onRecognition); err != nil {
			a.notify(LevelError, fmt.Sprintf("Could not start dictation: %v", err))
			return err
		}
	default:
		a.notify(LevelError, "Voice input is not supported here")
		return ErrCaptureUnavailable
	}
	a.attachments.Clear()
	return nil
}

// CancelVoice stops dictation or recording without sending anything.
// Recorded audio is discarded.
func (a *InputArbiter) CancelVoice() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorder.Cancel()
	a.dictation.Stop()
	a.interim = ""
}

// AttachFile validates and arms a file. An invalid file is reported and
// leaves the composer unchanged.
func (a *InputArbiter) AttachFile(name string, data []byte, mimeType string) (AttachmentInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.busyLocked() {
		return AttachmentInfo{}, ErrComposerBusy
	}
	info, err := a.attachments.Select(name, data, mimeType)
	if err != nil {
		a.notify(LevelError, err.Error())
		return AttachmentInfo{}, err
	}
	a.recorder.Cancel()
	a.dictation.Stop()
	a.interim = ""
	return info, nil
}

func (a *InputArbiter) RemoveAttachment() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploading {
		return ErrComposerBusy
	}
	a.attachments.Clear()
	return nil
}

// Submit resolves the composer into at most one outgoing message:
//  1. while recording, stop and transcribe; the transcript sends itself
//  2. a pending attachment is materialized and sent
//  3. non-empty text is sent when no reply is outstanding
//
// Anything else is a no-op.
func (a *InputArbiter) Submit(ctx context.Context) (SubmitOutcome, error) {
	a.mu.Lock()

	if a.busyLocked() {
		a.mu.Unlock()
		return OutcomeNoop, nil
	}

	if a.recorder.Recording() {
		launch, err := a.stopRecordingLocked(ctx)
		a.mu.Unlock()
		if err != nil {
			return OutcomeNoop, err
		}
		a.async(launch)
		return OutcomeTranscribing, nil
	}

	if info, ok := a.attachments.Pending(); ok {
		if a.sink.Busy() {
			a.mu.Unlock()
			return OutcomeNoop, nil
		}
		a.uploading = true
		a.mu.Unlock()

		bg := context.WithoutCancel(ctx)
		a.async(func() { a.handleUpload(bg, a.materialize(bg, info)) })
		return OutcomeUploading, nil
	}

	text := strings.TrimSpace(a.text)
	if text == "" || a.sink.Busy() {
		a.mu.Unlock()
		return OutcomeNoop, nil
	}
	a.dictation.Stop()
	a.text = ""
	a.interim = ""
	a.mu.Unlock()

	if err := a.sink.Submit(ctx, text); err != nil {
		a.mu.Lock()
		if a.text == "" {
			a.text = text
		}
		a.mu.Unlock()
		a.notify(LevelError, fmt.Sprintf("Message not sent: %v", err))
		return OutcomeNoop, err
	}
	return OutcomeSent, nil
}

// stopRecordingLocked releases the capture device and returns the single
// transcription job for the finished recording. Callers run it with the
// lock released.
func (a *InputArbiter) stopRecordingLocked(ctx context.Context) (func(), error) {
	rec, err := a.recorder.Stop()
	if err != nil {
		a.notify(LevelError, fmt.Sprintf("Recording failed: %v", err))
		return nil, err
	}
	if a.transcriber == nil {
		a.notify(LevelError, "Transcription is not available")
		return nil, ErrCaptureUnavailable
	}

	a.transcribing = true
	bg := context.WithoutCancel(ctx)
	return func() {
		text, err := a.transcriber.Transcribe(bg, rec.Data, rec.MIMEType)
		a.handleTranscription(bg, TranscriptionResult{Text: text, Err: err})
	}, nil
}

// handleTranscription consumes the transcription completion event. The
// audio is gone either way; non-empty text is sent as the next message.
func (a *InputArbiter) handleTranscription(ctx context.Context, res TranscriptionResult) {
	a.mu.Lock()
	a.transcribing = false
	a.text = ""
	a.interim = ""
	a.mu.Unlock()

	if res.Err != nil {
		a.logger.Error("transcription failed", "error", res.Err)
		a.notify(LevelError, fmt.Sprintf("Transcription failed: %v", res.Err))
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		a.notify(LevelInfo, "No speech was recognized")
		return
	}
	if err := a.sink.Submit(ctx, text); err != nil {
		a.logger.Error("failed to send transcribed message", "error", err)
		a.notify(LevelError, fmt.Sprintf("Message not sent: %v", err))
	}
}

func (a *InputArbiter) materialize(ctx context.Context, info AttachmentInfo) UploadResult {
	text, err := a.attachments.Materialize(ctx)
	if err != nil {
		return UploadResult{Err: err}
	}
	return UploadResult{Message: fmt.Sprintf("%s %s:\n\n%s", a.sendFileLabel, info.Name, text)}
}

// handleUpload consumes the upload completion event. The attachment is
// kept whenever the message could not be delivered so the user can retry.
func (a *InputArbiter) handleUpload(ctx context.Context, res UploadResult) {
	if res.Err != nil {
		a.mu.Lock()
		a.uploading = false
		a.mu.Unlock()
		a.logger.Error("attachment materialization failed", "error", res.Err)
		a.notify(LevelError, res.Err.Error())
		return
	}

	err := a.sink.Submit(ctx, res.Message)

	a.mu.Lock()
	a.uploading = false
	if err == nil {
		a.attachments.Clear()
		a.text = ""
		a.interim = ""
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("failed to send file message", "error", err)
		a.notify(LevelError, fmt.Sprintf("File not sent: %v", err))
	}
}

// onRecognition folds dictation results into the text buffer. Interim
// results are only displayed; final ones are appended with a space.
func (a *InputArbiter) onRecognition(r RecognitionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !r.Final {
		a.interim = r.Text
		return
	}
	a.interim = ""
	phrase := strings.TrimSpace(r.Text)
	if phrase == "" {
		return
	}
	if strings.TrimSpace(a.text) == "" {
		a.text = phrase
		return
	}
	a.text = strings.TrimRight(a.text, " ") + " " + phrase
}

func (a *InputArbiter) notify(level Level, message string) {
	if a.notifier == nil {
		return
	}
	a.notifier.Notify(Notification{Level: level, Message: message})
}
