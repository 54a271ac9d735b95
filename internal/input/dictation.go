package input

import (
	"errors"
	"log/slog"
	"sync"
)

const defaultMaxRestarts = 5

var (
	ErrDictationUnavailable = errors.New("speech dictation is unavailable")
	ErrDictationInactive    = errors.New("dictation is not running")
)

// RecognitionResult is one recognized phrase. Interim results may still
// change; final results are stable.
type RecognitionResult struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// RecognitionEngine is a continuous speech recognizer. onEnd fires when the
// engine terminates on its own. Implementations must not invoke either
// callback synchronously from Start or Stop.
type RecognitionEngine interface {
	Start(onResult func(RecognitionResult), onEnd func()) error
	Stop()
}

// SpeechDictationSource runs one recognition engine for the lifetime of a
// composer and restarts it when it ends unexpectedly.
type SpeechDictationSource struct {
	engine      RecognitionEngine
	logger      *slog.Logger
	maxRestarts int

	mu       sync.Mutex
	active   bool
	restarts int
	handler  func(RecognitionResult)
}

func NewSpeechDictationSource(engine RecognitionEngine, logger *slog.Logger) *SpeechDictationSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeechDictationSource{engine: engine, logger: logger, maxRestarts: defaultMaxRestarts}
}

func (s *SpeechDictationSource) Supported() bool {
	return s != nil && s.engine != nil
}

func (s *SpeechDictationSource) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins dictation; handler receives every result while active.
func (s *SpeechDictationSource) Start(handler func(RecognitionResult)) error {
	if !s.Supported() {
		return ErrDictationUnavailable
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.restarts = 0
	s.handler = handler
	s.mu.Unlock()

	if err := s.engine.Start(s.dispatch, s.ended); err != nil {
		s.mu.Lock()
		s.active = false
		s.handler = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *SpeechDictationSource) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.handler = nil
	s.mu.Unlock()
	s.engine.Stop()
}

// dispatch forwards a result and resets the restart budget, which counts
// consecutive terminations without results.
func (s *SpeechDictationSource) dispatch(r RecognitionResult) {
	s.mu.Lock()
	handler := s.handler
	active := s.active
	if active {
		s.restarts = 0
	}
	s.mu.Unlock()
	if active && handler != nil {
		handler(r)
	}
}

func (s *SpeechDictationSource) ended() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.restarts >= s.maxRestarts {
		s.active = false
		s.handler = nil
		s.mu.Unlock()
		s.logger.Warn("dictation engine keeps terminating, giving up", "restarts", s.maxRestarts)
		return
	}
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	s.logger.Info("restarting dictation engine", "attempt", attempt)
	if err := s.engine.Start(s.dispatch, s.ended); err != nil {
		s.logger.Error("failed to restart dictation engine", "error", err)
		s.mu.Lock()
		s.active = false
		s.handler = nil
		s.mu.Unlock()
	}
}

// FeedEngine is a RecognitionEngine driven from outside the process: a
// remote client runs the recognizer and pushes its results in.
type FeedEngine struct {
	mu       sync.Mutex
	running  bool
	onResult func(RecognitionResult)
	onEnd    func()
}

func NewFeedEngine() *FeedEngine {
	return &FeedEngine{}
}

func (e *FeedEngine) Start(onResult func(RecognitionResult), onEnd func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.onResult = onResult
	e.onEnd = onEnd
	return nil
}

func (e *FeedEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.onResult = nil
	e.onEnd = nil
}

func (e *FeedEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Push delivers one result to the running recognizer session.
func (e *FeedEngine) Push(r RecognitionResult) error {
	e.mu.Lock()
	onResult := e.onResult
	running := e.running
	e.mu.Unlock()
	if !running || onResult == nil {
		return ErrDictationInactive
	}
	onResult(r)
	return nil
}

// Terminate ends the session as if the recognizer had stopped by itself.
func (e *FeedEngine) Terminate() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	onEnd := e.onEnd
	e.running = false
	e.onResult = nil
	e.onEnd = nil
	e.mu.Unlock()
	if onEnd != nil {
		onEnd()
	}
}
