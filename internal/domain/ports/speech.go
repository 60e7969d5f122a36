package ports

import (
	"context"
	"errors"
)

// ErrSynthesisUnavailable is returned when no speech engine can be reached
var ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")

// SpeechEventType identifies an engine callback
type SpeechEventType string

const (
	SpeechStart    SpeechEventType = "start"
	SpeechBoundary SpeechEventType = "boundary"
	SpeechEnd      SpeechEventType = "end"
	SpeechError    SpeechEventType = "error"
)

// SpeechEvent is emitted by the engine while an utterance plays.
// CharIndex is a rune offset into the utterance text; adapters for engines
// that count differently convert before delivering the event.
type SpeechEvent struct {
	UtteranceID string          `json:"utterance_id"`
	Type        SpeechEventType `json:"type"`
	CharIndex   int             `json:"char_index,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// SpeechHandler receives engine events, possibly on another goroutine
type SpeechHandler func(event SpeechEvent)

// Utterance is one request to speak text
type Utterance struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Lang      string  `json:"lang"`
	VoiceName string  `json:"voice_name,omitempty"`
	Rate      float64 `json:"rate"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

// Voice describes a voice offered by the engine
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default"`
}

// SynthesizerPort defines the interface to a text-to-speech engine
type SynthesizerPort interface {
	// Speak starts an utterance; events for it are delivered to handler
	Speak(ctx context.Context, utterance Utterance, handler SpeechHandler) error

	// Cancel stops and discards whatever is speaking or queued
	Cancel() error

	// Pause suspends the current utterance
	Pause() error

	// Resume continues a paused utterance
	Resume() error

	// Voices lists the voices currently known to the engine; the list may
	// be empty until the engine has finished loading
	Voices(ctx context.Context) ([]Voice, error)
}
