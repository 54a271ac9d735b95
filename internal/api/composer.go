package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/input"
)

func (h *APIHandler) GetComposerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

type SetTextRequest struct {
	Text string `json:"text"`
}

func (h *APIHandler) SetComposerTextHandler(w http.ResponseWriter, r *http.Request) {
	var req SetTextRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.composer.Arbiter.SetText(req.Text); err != nil {
		h.writeError(w, err, "Failed to update composer")
		return
	}
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

// ToggleVoiceHandler starts voice input, or stops it. Stopping a recording
// transcribes it and sends the transcript.
func (h *APIHandler) ToggleVoiceHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.composer.Arbiter.ToggleVoice(r.Context()); err != nil {
		h.writeError(w, err, "Failed to toggle voice input")
		return
	}
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

func (h *APIHandler) CancelVoiceHandler(w http.ResponseWriter, r *http.Request) {
	h.composer.Arbiter.CancelVoice()
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

// DictationResultHandler accepts one recognition result from a client-side
// recognizer.
func (h *APIHandler) DictationResultHandler(w http.ResponseWriter, r *http.Request) {
	if h.composer.Dictation == nil {
		h.writeError(w, input.ErrDictationUnavailable, "Dictation unavailable")
		return
	}
	var req input.RecognitionResult
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.composer.Dictation.Push(req); err != nil {
		h.writeError(w, err, "Failed to apply dictation result")
		return
	}
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

// DictationEndedHandler reports that the client recognizer stopped on its
// own; dictation restarts if it is still wanted.
func (h *APIHandler) DictationEndedHandler(w http.ResponseWriter, r *http.Request) {
	if h.composer.Dictation != nil {
		h.composer.Dictation.Terminate()
	}
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

// AudioChunkHandler appends the request body to the open recording.
func (h *APIHandler) AudioChunkHandler(w http.ResponseWriter, r *http.Request) {
	if h.composer.Audio == nil {
		h.writeError(w, input.ErrCaptureUnavailable, "Audio capture unavailable")
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(r.Body, input.MaxRecordingBytes+1))
	if err != nil {
		http.Error(w, "Failed to read audio: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.composer.Audio.Write(chunk, r.Header.Get("Content-Type")); err != nil {
		h.writeError(w, err, "Failed to store audio")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachFileHandler reads the "file" part of a multipart upload. At most
// one byte past the size limit is buffered so oversized files are
// rejected by validation.
func (h *APIHandler) AttachFileHandler(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected a multipart upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			http.Error(w, `Missing "file" part`, http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, input.MaxAttachmentBytes+1))
		part.Close()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read %s: %v", part.FileName(), err), http.StatusBadRequest)
			return
		}
		info, err := h.composer.Arbiter.AttachFile(part.FileName(), data, part.Header.Get("Content-Type"))
		if err != nil {
			h.writeError(w, err, "Failed to attach file")
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
}

func (h *APIHandler) RemoveAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.composer.Arbiter.RemoveAttachment(); err != nil {
		h.writeError(w, err, "Failed to remove attachment")
		return
	}
	writeJSON(w, http.StatusOK, h.composer.Arbiter.Snapshot())
}

type SubmitResponse struct {
	Outcome  input.SubmitOutcome `json:"outcome"`
	Composer input.PendingInput  `json:"composer"`
}

func (h *APIHandler) SubmitComposerHandler(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.composer.Arbiter.Submit(r.Context())
	if err != nil {
		h.writeError(w, err, "Failed to submit")
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Outcome: outcome, Composer: h.composer.Arbiter.Snapshot()})
}

func (h *APIHandler) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	notes := h.composer.Notifications.Drain()
	if notes == nil {
		notes = []input.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}
