package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode"
	"unicode/utf16"

	ws "github.com/username/chatstate/internal/adapters/websocket"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Commands sent to the browser, and the inbound message types it answers with
const (
	CommandSpeak  = "speech.speak"
	CommandCancel = "speech.cancel"
	CommandPause  = "speech.pause"
	CommandResume = "speech.resume"

	MessageSpeechEvent = "speech.event"
	MessageVoices      = "speech.voices"
)

// Room is the part of the WebSocket hub the bridge needs
type Room interface {
	SendToRoom(room string, event ws.Event) int
	RoomSize(room string) int
}

// Bridge is a SynthesizerPort backed by the speech engine of the browsers
// connected to one workspace room. Utterances are sent as commands; engine
// callbacks and voice lists come back as inbound messages.
type Bridge struct {
	room   string
	hub    Room
	logger *logutil.Logger

	mu       sync.Mutex
	handlers map[string]pendingUtterance
	voices   []ports.Voice

	onVoices func()
}

var _ ports.SynthesizerPort = (*Bridge)(nil)

type pendingUtterance struct {
	text    string
	handler ports.SpeechHandler
}

// NewBridge creates a bridge for one room
func NewBridge(room string, hub Room, logger *logutil.Logger) *Bridge {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &Bridge{
		room:     room,
		hub:      hub,
		logger:   logger,
		handlers: make(map[string]pendingUtterance),
	}
}

// OnVoicesChanged registers the callback run after a browser reports voices
func (b *Bridge) OnVoicesChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVoices = fn
}

// Speak sends the utterance to the room's browsers
func (b *Bridge) Speak(ctx context.Context, utterance ports.Utterance, handler ports.SpeechHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.handlers[utterance.ID] = pendingUtterance{text: utterance.Text, handler: handler}
	b.mu.Unlock()

	if b.send(CommandSpeak, utterance) == 0 {
		b.mu.Lock()
		delete(b.handlers, utterance.ID)
		b.mu.Unlock()
		return fmt.Errorf("no browser connected to %s: %w", b.room, ports.ErrSynthesisUnavailable)
	}
	return nil
}

// Cancel discards every utterance; later events for them are dropped
func (b *Bridge) Cancel() error {
	b.mu.Lock()
	b.handlers = make(map[string]pendingUtterance)
	b.mu.Unlock()

	b.send(CommandCancel, nil)
	return nil
}

// Pause suspends the current utterance
func (b *Bridge) Pause() error {
	if b.send(CommandPause, nil) == 0 {
		return ports.ErrSynthesisUnavailable
	}
	return nil
}

// Resume continues a paused utterance
func (b *Bridge) Resume() error {
	if b.send(CommandResume, nil) == 0 {
		return ports.ErrSynthesisUnavailable
	}
	return nil
}

// Voices returns the last list a browser reported. It is empty until a
// browser has loaded its voices.
func (b *Bridge) Voices(ctx context.Context) ([]ports.Voice, error) {
	if b.hub.RoomSize(b.room) == 0 {
		return nil, fmt.Errorf("no browser connected to %s: %w", b.room, ports.ErrSynthesisUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.Voice(nil), b.voices...), nil
}

// HandleSpeechEvent routes an engine callback to its utterance's handler
func (b *Bridge) HandleSpeechEvent(room, clientID string, data json.RawMessage) {
	if room != b.room {
		return
	}

	var event ports.SpeechEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn("Malformed speech event", logutil.Fields{"room": room, "client_id": clientID, "error": err.Error()})
		return
	}

	b.mu.Lock()
	pending, ok := b.handlers[event.UtteranceID]
	if ok && (event.Type == ports.SpeechEnd || event.Type == ports.SpeechError) {
		delete(b.handlers, event.UtteranceID)
	}
	b.mu.Unlock()

	if !ok || pending.handler == nil {
		return
	}
	if event.Type == ports.SpeechBoundary {
		event.CharIndex = runeOffset(pending.text, event.CharIndex)
	}
	pending.handler(event)
}

// runeOffset converts a browser boundary index, counted in UTF-16 code
// units, to a rune offset into text
func runeOffset(text string, units int) int {
	if units <= 0 {
		return units
	}
	seen, runes := 0, 0
	for _, r := range text {
		if seen >= units {
			break
		}
		n := utf16RuneLen(r)
		if n < 0 {
			n = 1
		}
		seen += n
		runes++
	}
	return runes
}

// utf16RuneLen mirrors utf16.RuneLen (Go 1.23+) for older toolchains
func utf16RuneLen(r rune) int {
	switch {
	case r < 0 || r > unicode.MaxRune || utf16.IsSurrogate(r):
		return -1
	case r >= 0x10000:
		return 2
	default:
		return 1
	}
}

// HandleVoices records a browser's voice list
func (b *Bridge) HandleVoices(room, clientID string, data json.RawMessage) {
	if room != b.room {
		return
	}

	var voices []ports.Voice
	if err := json.Unmarshal(data, &voices); err != nil {
		b.logger.Warn("Malformed voice list", logutil.Fields{"room": room, "client_id": clientID, "error": err.Error()})
		return
	}

	b.mu.Lock()
	b.voices = voices
	onVoices := b.onVoices
	b.mu.Unlock()

	b.logger.Debug("Voices updated", logutil.Fields{"room": room, "count": len(voices)})
	if onVoices != nil && len(voices) > 0 {
		onVoices()
	}
}

// HandlePresence forgets the voice list once the last browser leaves
func (b *Bridge) HandlePresence(room, clientID string, joined bool) {
	if room != b.room || joined || b.hub.RoomSize(room) > 0 {
		return
	}

	b.mu.Lock()
	b.voices = nil
	b.mu.Unlock()
}

// Register subscribes the bridge to the hub's inbound messages
func (b *Bridge) Register(hub *ws.Hub) {
	hub.Handle(MessageSpeechEvent, b.HandleSpeechEvent)
	hub.Handle(MessageVoices, b.HandleVoices)
	hub.OnPresence(b.HandlePresence)
}

func (b *Bridge) send(command string, data interface{}) int {
	return b.hub.SendToRoom(b.room, ws.Event{Type: command, Workspace: b.room, Data: data})
}
