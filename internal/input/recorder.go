package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MaxRecordingBytes matches the upload limit of the Whisper endpoint.
const MaxRecordingBytes = 25 << 20

var (
	ErrCaptureUnavailable = errors.New("audio capture is unavailable")
	ErrNotRecording       = errors.New("no recording in progress")
	ErrRecordingTooLarge  = errors.New("recording exceeds the maximum size")
)

// Recording is one finished audio blob.
type Recording struct {
	Data     []byte
	MIMEType string
}

// CaptureDevice hands out exclusive capture sessions.
type CaptureDevice interface {
	Open(ctx context.Context) (CaptureSession, error)
}

// CaptureSession holds the device until Stop or Cancel releases it.
type CaptureSession interface {
	Stop() (Recording, error)
	Cancel()
}

// VoiceCaptureSource records one audio blob per start/stop cycle. A nil
// source or one without a device reports itself as unsupported.
type VoiceCaptureSource struct {
	device CaptureDevice

	mu      sync.Mutex
	session CaptureSession
}

func NewVoiceCaptureSource(device CaptureDevice) *VoiceCaptureSource {
	return &VoiceCaptureSource{device: device}
}

func (v *VoiceCaptureSource) Supported() bool {
	return v != nil && v.device != nil
}

func (v *VoiceCaptureSource) Recording() bool {
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session != nil
}

func (v *VoiceCaptureSource) Start(ctx context.Context) error {
	if !v.Supported() {
		return ErrCaptureUnavailable
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session != nil {
		return nil
	}
	session, err := v.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	v.session = session
	return nil
}

// Stop finalizes the recording and releases the device.
func (v *VoiceCaptureSource) Stop() (Recording, error) {
	if v == nil {
		return Recording{}, ErrNotRecording
	}
	v.mu.Lock()
	session := v.session
	v.session = nil
	v.mu.Unlock()
	if session == nil {
		return Recording{}, ErrNotRecording
	}
	return session.Stop()
}

// Cancel releases the device and discards the audio.
func (v *VoiceCaptureSource) Cancel() {
	if v == nil {
		return
	}
	v.mu.Lock()
	session := v.session
	v.session = nil
	v.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

// BufferedCaptureDevice is a capture device whose audio arrives as chunks
// pushed by a remote client (the HTTP composer endpoints). Only one session
// may be open at a time.
type BufferedCaptureDevice struct {
	mimeType string

	mu     sync.Mutex
	active *bufferedSession
}

func NewBufferedCaptureDevice(mimeType string) *BufferedCaptureDevice {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	return &BufferedCaptureDevice{mimeType: mimeType}
}

func (d *BufferedCaptureDevice) Open(ctx context.Context) (CaptureSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, errors.New("capture device is busy")
	}
	d.active = &bufferedSession{device: d, mimeType: d.mimeType}
	return d.active, nil
}

// Write appends a chunk to the open session. mimeType, when set, overrides
// the device default for this session.
func (d *BufferedCaptureDevice) Write(chunk []byte, mimeType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return ErrNotRecording
	}
	if len(d.active.data)+len(chunk) > MaxRecordingBytes {
		return ErrRecordingTooLarge
	}
	d.active.data = append(d.active.data, chunk...)
	if mimeType != "" {
		d.active.mimeType = mimeType
	}
	return nil
}

func (d *BufferedCaptureDevice) release(s *bufferedSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == s {
		d.active = nil
	}
}

type bufferedSession struct {
	device   *BufferedCaptureDevice
	mimeType string
	data     []byte
}

func (s *bufferedSession) Stop() (Recording, error) {
	s.device.mu.Lock()
	rec := Recording{Data: s.data, MIMEType: s.mimeType}
	s.device.mu.Unlock()
	s.device.release(s)
	return rec, nil
}

func (s *bufferedSession) Cancel() {
	s.device.release(s)
}
