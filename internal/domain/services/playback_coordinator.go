package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// ErrNothingToPlay is returned when there is no text to speak
var ErrNothingToPlay = errors.New("nothing to play")

// Notices shown when speech degrades
const (
	NoticeSpeechUnavailable = "Speech playback is not available in this environment."
	NoticeSpeechFailed      = "Speech playback stopped because of an error."
)

// PlaybackSource distinguishes the Play control from per-message listening
type PlaybackSource string

const (
	SourceGlobal PlaybackSource = "global"
	SourceLocal  PlaybackSource = "local"
)

// PlaybackState is the single state of the coordinator. The zero value is
// stopped; while Speaking, exactly one source owns the engine.
type PlaybackState struct {
	Speaking       bool           `json:"speaking"`
	Source         PlaybackSource `json:"source,omitempty"`
	UtteranceID    string         `json:"utterance_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	TargetIndex    int            `json:"target_index"`
	Text           string         `json:"text,omitempty"`
	Cursor         int            `json:"cursor"`
	Highlight      bool           `json:"highlight"` // false for partial reads
	Paused         bool           `json:"paused"`
	AwaitingVoices bool           `json:"awaiting_voices"`
}

// PlaybackEventKind identifies what a PlaybackEvent reports
type PlaybackEventKind string

const (
	PlaybackStateChanged PlaybackEventKind = "state"
	PlaybackCursorMoved  PlaybackEventKind = "cursor"
	PlaybackNotice       PlaybackEventKind = "notice"
)

// PlaybackEvent is delivered to listeners for UI updates. Start and End
// bound the highlighted word in runes and are equal when nothing is lit.
type PlaybackEvent struct {
	Kind   PlaybackEventKind `json:"kind"`
	State  PlaybackState     `json:"state"`
	Start  int               `json:"start"`
	End    int               `json:"end"`
	Notice string            `json:"notice,omitempty"`
}

// PlaybackListener receives playback events
type PlaybackListener func(event PlaybackEvent)

// SpeechConfig holds utterance defaults
type SpeechConfig struct {
	Workspace string
	Language  string
	Rate      float64
	Pitch     float64
	Volume    float64
}

// DefaultSpeechConfig returns the voice settings of the voice chat page
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Language: "ko-KR",
		Rate:     1.0,
		Pitch:    1.1,
		Volume:   1.0,
	}
}

// Transcript resolves the conversation a playback target points into
type Transcript interface {
	Conversation(id string) (entities.Conversation, error)
}

// PlaybackCoordinator owns the speech engine and arbitrates between the
// global and local playback sources
type PlaybackCoordinator struct {
	synth      ports.SynthesizerPort
	transcript Transcript
	config     SpeechConfig
	logger     *logutil.Logger
	metrics    *metrics.Collector

	// opMu serializes operations that drive the engine; stateMu guards
	// state and is the only lock taken by engine callbacks
	opMu    sync.Mutex
	stateMu sync.Mutex
	state   PlaybackState
	parked  *ports.Utterance

	listenersMu sync.RWMutex
	listeners   []PlaybackListener
}

// NewPlaybackCoordinator creates a coordinator around a speech engine
func NewPlaybackCoordinator(synth ports.SynthesizerPort, config SpeechConfig, logger *logutil.Logger, collector *metrics.Collector) *PlaybackCoordinator {
	defaults := DefaultSpeechConfig()
	if config.Language == "" {
		config.Language = defaults.Language
	}
	if config.Rate == 0 {
		config.Rate = defaults.Rate
	}
	if config.Pitch == 0 {
		config.Pitch = defaults.Pitch
	}
	if config.Volume == 0 {
		config.Volume = defaults.Volume
	}
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &PlaybackCoordinator{
		synth:   synth,
		config:  config,
		logger:  logger,
		metrics: collector,
	}
}

// Track follows a conversation store: targets are checked against it before
// speaking, and its changes stop or shift the active target
func (p *PlaybackCoordinator) Track(store *ConversationStore) {
	p.opMu.Lock()
	p.transcript = store
	p.opMu.Unlock()
	store.OnChange(p.HandleChange)
}

// OnEvent registers a listener for playback events
func (p *PlaybackCoordinator) OnEvent(listener PlaybackListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// State returns the current playback state
func (p *PlaybackCoordinator) State() PlaybackState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Play is the global Play control. While the global source is speaking it
// toggles pause; otherwise it reads the last bot message with text.
func (p *PlaybackCoordinator) Play(ctx context.Context, conversationID string, messages []entities.Message) error {
	state := p.State()
	if state.Speaking && state.Source == SourceGlobal {
		return p.togglePause()
	}

	conv := entities.Conversation{Messages: messages}
	index := conv.LastBotMessage()
	if index < 0 {
		return ErrNothingToPlay
	}
	return p.SpeakGlobal(ctx, conversationID, index, messages[index].Text)
}

// SpeakGlobal reads a whole message through the global source, as for an
// answer that just arrived
func (p *PlaybackCoordinator) SpeakGlobal(ctx context.Context, conversationID string, index int, text string) error {
	return p.start(ctx, SourceGlobal, conversationID, index, text, text, true)
}

// SpeakLocal reads one message through the local source. When selection is
// a non-empty substring of text only the selection is read, unhighlighted.
func (p *PlaybackCoordinator) SpeakLocal(ctx context.Context, conversationID string, index int, text, selection string) error {
	selection = strings.TrimSpace(selection)
	if selection != "" && strings.Contains(text, selection) {
		return p.start(ctx, SourceLocal, conversationID, index, text, selection, false)
	}
	return p.start(ctx, SourceLocal, conversationID, index, text, text, true)
}

// resolve checks that index still holds message in the tracked transcript
func (p *PlaybackCoordinator) resolve(conversationID string, index int, message string) error {
	if p.transcript == nil {
		return nil
	}
	conv, err := p.transcript.Conversation(conversationID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(conv.Messages) || conv.Messages[index].Text != message {
		return fmt.Errorf("message %d of conversation %s: %w", index, conversationID, ErrNotFound)
	}
	return nil
}

// start speaks text, which is message itself or a part of it
func (p *PlaybackCoordinator) start(ctx context.Context, source PlaybackSource, conversationID string, index int, message, text string, highlight bool) error {
	if strings.TrimSpace(text) == "" {
		return ErrNothingToPlay
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.synth == nil {
		p.notice(NoticeSpeechUnavailable)
		return ports.ErrSynthesisUnavailable
	}
	if err := p.resolve(conversationID, index, message); err != nil {
		return err
	}

	// Whatever was speaking, from either source, ends here
	if err := p.synth.Cancel(); err != nil {
		p.logger.Warn("Speech engine cancel failed", logutil.Fields{"error": err.Error()})
	}

	utterance := ports.Utterance{
		ID:     uuid.NewString(),
		Text:   text,
		Lang:   p.config.Language,
		Rate:   p.config.Rate,
		Pitch:  p.config.Pitch,
		Volume: p.config.Volume,
	}

	// The target is checked again under stateMu: a deletion committed after
	// this point reaches HandleChange only once the new state is visible.
	p.stateMu.Lock()
	p.parked = nil
	if err := p.resolve(conversationID, index, message); err != nil {
		wasActive := p.state.Speaking
		p.state = PlaybackState{}
		p.stateMu.Unlock()
		if wasActive {
			p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
		}
		return err
	}
	p.state = PlaybackState{
		Speaking:       true,
		Source:         source,
		UtteranceID:    utterance.ID,
		ConversationID: conversationID,
		TargetIndex:    index,
		Text:           text,
		Highlight:      highlight,
	}
	p.stateMu.Unlock()

	voices, err := p.synth.Voices(ctx)
	if err != nil {
		return p.fail(utterance.ID, NoticeSpeechUnavailable, fmt.Errorf("failed to list voices: %w", err))
	}
	if len(voices) == 0 {
		p.stateMu.Lock()
		p.parked = &utterance
		p.state.AwaitingVoices = true
		state := p.state
		p.stateMu.Unlock()
		p.emit(PlaybackEvent{Kind: PlaybackStateChanged, State: state})
		return nil
	}

	p.emit(PlaybackEvent{Kind: PlaybackStateChanged, State: p.State()})
	return p.speak(ctx, utterance, voices)
}

// speak hands an utterance to the engine; callers hold opMu
func (p *PlaybackCoordinator) speak(ctx context.Context, utterance ports.Utterance, voices []ports.Voice) error {
	if v, ok := p.pickVoice(voices); ok {
		utterance.VoiceName = v.Name
		utterance.Lang = v.Lang
	}

	if err := p.synth.Speak(ctx, utterance, p.handle); err != nil {
		return p.fail(utterance.ID, NoticeSpeechUnavailable, fmt.Errorf("failed to start utterance: %w", err))
	}

	if p.metrics != nil {
		p.metrics.RecordPlaybackStarted(p.config.Workspace, string(p.State().Source))
	}
	return nil
}

// pickVoice prefers an exact language match, then the same primary language
func (p *PlaybackCoordinator) pickVoice(voices []ports.Voice) (ports.Voice, bool) {
	want := strings.ToLower(p.config.Language)
	primary := want
	if i := strings.IndexAny(want, "-_"); i > 0 {
		primary = want[:i]
	}

	for _, v := range voices {
		if strings.EqualFold(v.Lang, p.config.Language) {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), primary) {
			return v, true
		}
	}
	return ports.Voice{}, false
}

// VoicesChanged starts an utterance that was parked because the engine had
// no voices yet
func (p *PlaybackCoordinator) VoicesChanged(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.stateMu.Lock()
	parked := p.parked
	p.stateMu.Unlock()
	if parked == nil || p.synth == nil {
		return nil
	}

	voices, err := p.synth.Voices(ctx)
	if err != nil {
		return p.fail(parked.ID, NoticeSpeechUnavailable, fmt.Errorf("failed to list voices: %w", err))
	}
	if len(voices) == 0 {
		return nil
	}

	p.stateMu.Lock()
	if p.parked != parked {
		p.stateMu.Unlock()
		return nil
	}
	p.parked = nil
	p.state.AwaitingVoices = false
	state := p.state
	p.stateMu.Unlock()

	p.emit(PlaybackEvent{Kind: PlaybackStateChanged, State: state})
	return p.speak(ctx, *parked, voices)
}

func (p *PlaybackCoordinator) togglePause() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.stateMu.Lock()
	if !p.state.Speaking {
		p.stateMu.Unlock()
		return nil
	}
	paused := p.state.Paused
	awaiting := p.state.AwaitingVoices
	p.stateMu.Unlock()

	if !awaiting {
		var err error
		if paused {
			err = p.synth.Resume()
		} else {
			err = p.synth.Pause()
		}
		if err != nil {
			return fmt.Errorf("failed to toggle pause: %w", err)
		}
	}

	p.stateMu.Lock()
	p.state.Paused = !paused
	state := p.state
	p.stateMu.Unlock()

	p.emit(PlaybackEvent{Kind: PlaybackStateChanged, State: state})
	return nil
}

// Stop cancels playback. Stopping an idle coordinator does nothing.
func (p *PlaybackCoordinator) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.reset() {
		return nil
	}
	p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
	return p.cancelEngine()
}

// stopUtterance stops playback only if id is still the active utterance
func (p *PlaybackCoordinator) stopUtterance(id string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State().UtteranceID != id || !p.reset() {
		return nil
	}
	p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
	return p.cancelEngine()
}

// Close cancels the engine unconditionally, as when the voice view goes away
func (p *PlaybackCoordinator) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.reset() {
		p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
	}
	return p.cancelEngine()
}

func (p *PlaybackCoordinator) cancelEngine() error {
	if p.synth == nil {
		return nil
	}
	if err := p.synth.Cancel(); err != nil {
		return fmt.Errorf("failed to cancel speech: %w", err)
	}
	return nil
}

// reset returns to stopped and reports whether anything was active
func (p *PlaybackCoordinator) reset() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	wasActive := p.state.Speaking
	p.state = PlaybackState{}
	p.parked = nil
	return wasActive
}

// fail resets the utterance that could not be played and emits a notice
func (p *PlaybackCoordinator) fail(utteranceID, notice string, err error) error {
	p.stateMu.Lock()
	if p.state.UtteranceID == utteranceID {
		p.state = PlaybackState{}
		p.parked = nil
	}
	p.stateMu.Unlock()

	p.logger.Warn("Speech playback failed", logutil.Fields{
		"workspace": p.config.Workspace,
		"error":     err.Error(),
	})
	p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
	p.notice(notice)
	return fmt.Errorf("%w: %v", ports.ErrSynthesisUnavailable, err)
}

func (p *PlaybackCoordinator) notice(text string) {
	p.emit(PlaybackEvent{Kind: PlaybackNotice, State: p.State(), Notice: text})
}

// handle receives engine events; events for any utterance other than the
// current one are ignored
func (p *PlaybackCoordinator) handle(event ports.SpeechEvent) {
	p.stateMu.Lock()
	if !p.state.Speaking || event.UtteranceID != p.state.UtteranceID {
		p.stateMu.Unlock()
		return
	}

	switch event.Type {
	case ports.SpeechStart:
		p.state.Cursor = 0
		p.state.Paused = false
		state := p.state
		p.stateMu.Unlock()
		p.emit(PlaybackEvent{Kind: PlaybackStateChanged, State: state})

	case ports.SpeechBoundary:
		if event.CharIndex >= 0 {
			p.state.Cursor = event.CharIndex
		}
		state := p.state
		p.stateMu.Unlock()
		ev := PlaybackEvent{Kind: PlaybackCursorMoved, State: state}
		if state.Highlight {
			ev.Start, ev.End = Highlight(state.Text, state.Cursor)
		}
		p.emit(ev)

	case ports.SpeechEnd:
		p.state = PlaybackState{}
		p.stateMu.Unlock()
		p.emit(PlaybackEvent{Kind: PlaybackStateChanged})

	case ports.SpeechError:
		p.state = PlaybackState{}
		p.stateMu.Unlock()
		p.logger.Warn("Speech engine reported an error", logutil.Fields{
			"workspace":    p.config.Workspace,
			"utterance_id": event.UtteranceID,
			"error":        event.Error,
		})
		p.emit(PlaybackEvent{Kind: PlaybackStateChanged})
		p.notice(NoticeSpeechFailed)

	default:
		p.stateMu.Unlock()
	}
}

// HandleChange keeps playback consistent with the store: deleting the
// message being read, deleting its conversation, or selecting another
// conversation stops playback; deleting an earlier message shifts the target.
func (p *PlaybackCoordinator) HandleChange(change Change) {
	p.stateMu.Lock()
	state := p.state
	if !state.Speaking {
		p.stateMu.Unlock()
		return
	}

	stop := false
	switch change.Kind {
	case ChangeMessageDeleted:
		if change.ConversationID == state.ConversationID {
			switch {
			case change.Index == state.TargetIndex:
				stop = true
			case change.Index < state.TargetIndex:
				p.state.TargetIndex--
			}
		}
	case ChangeConversationDeleted:
		stop = change.ConversationID == state.ConversationID
	case ChangeSelectionChanged:
		stop = change.ConversationID != state.ConversationID
	}
	p.stateMu.Unlock()

	if stop {
		if err := p.stopUtterance(state.UtteranceID); err != nil {
			p.logger.Warn("Failed to stop playback after store change", logutil.Fields{
				"change": string(change.Kind),
				"error":  err.Error(),
			})
		}
	}
}

func (p *PlaybackCoordinator) emit(event PlaybackEvent) {
	p.listenersMu.RLock()
	listeners := append([]PlaybackListener(nil), p.listeners...)
	p.listenersMu.RUnlock()
	for _, l := range listeners {
		l(event)
	}
}

// Highlight returns the rune span lit while the engine is at cursor: from
// the cursor to the next whitespace, or to the end of text
func Highlight(text string, cursor int) (start, end int) {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(runes) {
		return len(runes), len(runes)
	}
	end = len(runes)
	for i := cursor; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			end = i
			break
		}
	}
	return cursor, end
}
