package input

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// MaxAttachmentBytes is the largest file the composer accepts.
const MaxAttachmentBytes = 5 << 20

var (
	ErrFileTooLarge          = errors.New("file is too large (maximum 5 MB)")
	ErrUnsupportedFileType   = errors.New("unsupported file type")
	ErrNoPendingAttachment   = errors.New("no pending attachment")
	ErrExtractionUnavailable = errors.New("no text extractor available for this file type")
)

// AllowedMIMETypes covers plain text, PDF, Word, CSV and Excel.
var AllowedMIMETypes = map[string]bool{
	"text/plain":         true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/csv":                 true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// AttachmentInfo is what the composer exposes about a pending file.
type AttachmentInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	MIMEType  string `json:"mimeType"`
}

type Attachment struct {
	AttachmentInfo
	Data []byte
}

// Extractor turns file bytes into plain text.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// AttachmentSource validates and holds at most one pending file.
type AttachmentSource struct {
	extractor Extractor

	mu      sync.Mutex
	pending *Attachment
}

func NewAttachmentSource(extractor Extractor) *AttachmentSource {
	return &AttachmentSource{extractor: extractor}
}

// Validate checks size and type. An empty or generic declared type is
// replaced by the sniffed one.
func Validate(name string, data []byte, declaredType string) (Attachment, error) {
	if len(data) > MaxAttachmentBytes {
		return Attachment{}, ErrFileTooLarge
	}
	mimeType := normalizeMIME(declaredType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMIME(mimetype.Detect(data).String())
	}
	if !AllowedMIMETypes[mimeType] {
		return Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, mimeType)
	}
	return Attachment{
		AttachmentInfo: AttachmentInfo{Name: name, SizeBytes: int64(len(data)), MIMEType: mimeType},
		Data:           data,
	}, nil
}

func normalizeMIME(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(t)
}

// Select validates the file and makes it the pending attachment, replacing
// any earlier one. An invalid file leaves the source untouched.
func (s *AttachmentSource) Select(name string, data []byte, declaredType string) (AttachmentInfo, error) {
	att, err := Validate(name, data, declaredType)
	if err != nil {
		return AttachmentInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &att
	return att.AttachmentInfo, nil
}

func (s *AttachmentSource) Pending() (AttachmentInfo, bool) {
	if s == nil {
		return AttachmentInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return AttachmentInfo{}, false
	}
	return s.pending.AttachmentInfo, true
}

func (s *AttachmentSource) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// Materialize extracts the pending file into text prefixed with a
// bracketed file name marker. The pending file is kept either way.
func (s *AttachmentSource) Materialize(ctx context.Context) (string, error) {
	s.mu.Lock()
	att := s.pending
	s.mu.Unlock()
	if att == nil {
		return "", ErrNoPendingAttachment
	}
	if s.extractor == nil {
		return "", ErrExtractionUnavailable
	}

	text, err := s.extractor.ExtractText(ctx, att.Data, att.MIMEType)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", att.Name, err)
	}
	return fmt.Sprintf("[File: %s]\n%s", att.Name, strings.TrimSpace(text)), nil
}

// PlainTextExtractor handles text/plain and text/csv and delegates every
// other type to Next, if any.
type PlainTextExtractor struct {
	Next Extractor
}

func (e PlainTextExtractor) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	switch mimeType {
	case "text/plain", "text/csv":
		if !utf8.Valid(data) {
			return strings.ToValidUTF8(string(data), "�"), nil
		}
		return string(data), nil
	}
	if e.Next == nil {
		return "", fmt.Errorf("%w: %s", ErrExtractionUnavailable, mimeType)
	}
	return e.Next.ExtractText(ctx, data, mimeType)
}
