package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// ErrRequestPending is returned when a conversation already awaits an answer
var ErrRequestPending = errors.New("a request is already pending for this conversation")

// Bot texts appended when a request fails
const (
	NoResponseText       = "(no response)"
	BackendFailureText   = "Sorry, an error prevented me from answering right now. Please check the error notice."
	TransportFailureText = "An error occurred while connecting to the server. Please check the error notice."
)

// Phase is the informational progress stage of a pending request
type Phase string

const (
	PhaseNone          Phase = ""
	PhaseUnderstanding Phase = "understanding"
	PhaseSearching     Phase = "searching"
	PhaseComposing     Phase = "composing"
)

// RequestStatus reports whether a conversation is waiting for an answer
type RequestStatus struct {
	ConversationID string    `json:"conversation_id"`
	Pending        bool      `json:"pending"`
	Phase          Phase     `json:"phase,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// RequestResult is the outcome of one send, attributed by conversation id
type RequestResult struct {
	ConversationID string        `json:"conversation_id"`
	MessageIndex   int           `json:"message_index"` // -1 when nothing was appended
	Answer         string        `json:"answer,omitempty"`
	Error          *ErrorInfo    `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Succeeded reports whether the backend produced an answer
func (r RequestResult) Succeeded() bool {
	return r.Error == nil
}

// StatusListener is notified on every phase change and on completion
type StatusListener func(status RequestStatus)

// ResultListener is notified once per finished request
type ResultListener func(result RequestResult)

// RequestConfig holds request manager settings
type RequestConfig struct {
	Workspace       string
	SearchingAfter  time.Duration
	ComposingAfter  time.Duration
	Timeout         time.Duration
	MaxPromptTokens int // zero disables the preflight check
}

// DefaultRequestConfig returns the timings used by the chat UI
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		SearchingAfter: 900 * time.Millisecond,
		ComposingAfter: 1800 * time.Millisecond,
		Timeout:        60 * time.Second,
	}
}

type pendingRequest struct {
	phase     Phase
	startedAt time.Time
	timers    []*time.Timer

	// notifyMu orders the status notices of one request; the idle notice
	// is always the last one listeners see
	notifyMu sync.Mutex
}

// RequestManager sends user messages to the answer backend, allowing one
// pending request per conversation and any number across conversations
type RequestManager struct {
	store   *ConversationStore
	answers ports.AnswerPort
	tokens  ports.TokenCounter
	config  RequestConfig
	logger  *logutil.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]*pendingRequest

	listenersMu     sync.RWMutex
	statusListeners []StatusListener
	resultListeners []ResultListener

	wg sync.WaitGroup
}

// NewRequestManager creates a request manager. tokens and collector may be nil.
func NewRequestManager(
	store *ConversationStore,
	answers ports.AnswerPort,
	tokens ports.TokenCounter,
	config RequestConfig,
	logger *logutil.Logger,
	collector *metrics.Collector,
) *RequestManager {
	defaults := DefaultRequestConfig()
	if config.SearchingAfter <= 0 {
		config.SearchingAfter = defaults.SearchingAfter
	}
	if config.ComposingAfter <= 0 {
		config.ComposingAfter = defaults.ComposingAfter
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &RequestManager{
		store:   store,
		answers: answers,
		tokens:  tokens,
		config:  config,
		logger:  logger,
		metrics: collector,
		pending: make(map[string]*pendingRequest),
	}
}

// OnStatus registers a listener for phase changes
func (m *RequestManager) OnStatus(listener StatusListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.statusListeners = append(m.statusListeners, listener)
}

// OnResult registers a listener for finished requests
func (m *RequestManager) OnResult(listener ResultListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.resultListeners = append(m.resultListeners, listener)
}

// Send appends the user's message and asks the backend for an answer.
// The returned channel yields exactly one result and is then closed.
// The request outlives ctx cancellation; only ctx values are inherited.
func (m *RequestManager) Send(ctx context.Context, conversationID, text string) (<-chan RequestResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message cannot be empty", ErrInvalidOperation)
	}
	if err := checkLength("message", text, MaxMessageTextLength); err != nil {
		return nil, err
	}
	conv, err := m.store.Conversation(conversationID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, busy := m.pending[conversationID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrRequestPending)
	}
	req := &pendingRequest{phase: PhaseUnderstanding, startedAt: time.Now()}
	m.pending[conversationID] = req
	m.mu.Unlock()

	if _, err := m.store.AppendMessage(conversationID, entities.NewMessage(entities.RoleUser, text)); err != nil {
		m.clear(conversationID, req)
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	req.notifyMu.Lock()
	m.notifyStatus(RequestStatus{ConversationID: conversationID, Pending: true, Phase: PhaseUnderstanding, StartedAt: req.startedAt})
	req.notifyMu.Unlock()
	m.schedulePhases(conversationID, req)

	if m.metrics != nil {
		m.metrics.RecordRequestSent(m.config.Workspace)
	}

	results := make(chan RequestResult, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.Timeout)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer close(results)

		result := m.execute(callCtx, conversationID, text, conv.Messages)
		result.Duration = time.Since(req.startedAt)
		m.clear(conversationID, req)
		m.record(result)

		results <- result
		m.notifyResult(result)
	}()

	return results, nil
}

func (m *RequestManager) execute(ctx context.Context, conversationID, text string, history []entities.Message) RequestResult {
	result := RequestResult{ConversationID: conversationID, MessageIndex: -1}

	resp, err := m.ask(ctx, conversationID, text, history)
	if err != nil {
		info := ClassifyError(err)
		result.Error = info
		m.logger.Warn("Answer request failed", logutil.Fields{
			"workspace":       m.config.Workspace,
			"conversation_id": conversationID,
			"kind":            string(info.Kind),
			"code":            info.Code,
			"error":           err.Error(),
		})
		result.MessageIndex = m.appendBot(conversationID, failureText(err))
		return result
	}

	answer := resp.Answer
	if strings.TrimSpace(answer) == "" {
		answer = NoResponseText
	}
	result.Answer = answer
	result.MessageIndex = m.appendBot(conversationID, answer)
	return result
}

func (m *RequestManager) ask(ctx context.Context, conversationID, text string, history []entities.Message) (*ports.AnswerResponse, error) {
	if m.tokens != nil && m.config.MaxPromptTokens > 0 {
		if n := m.tokens.CountTokens(text); n > m.config.MaxPromptTokens {
			return nil, &ports.BackendError{
				StatusCode: 413,
				Message:    fmt.Sprintf("Request too large: %d tokens exceeds the limit of %d", n, m.config.MaxPromptTokens),
			}
		}
	}
	if m.answers == nil {
		return nil, &ports.BackendError{StatusCode: 503, Message: "no answer backend configured"}
	}
	return m.answers.Answer(ctx, &ports.AnswerRequest{
		ConversationID: conversationID,
		Message:        text,
		History:        history,
	})
}

// failureText picks the transcript message for a failed request: the backend
// answered with an error, or it could not be reached at all
func failureText(err error) string {
	var backendErr *ports.BackendError
	if errors.As(err, &backendErr) {
		return BackendFailureText
	}
	return TransportFailureText
}

// appendBot adds the bot's reply. The conversation may have been deleted
// while the request was pending, in which case the reply is dropped.
func (m *RequestManager) appendBot(conversationID, text string) int {
	index, err := m.store.AppendMessage(conversationID, entities.NewMessage(entities.RoleBot, text))
	if err != nil {
		m.logger.Info("Dropping answer for a conversation that no longer exists", logutil.Fields{
			"workspace":       m.config.Workspace,
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return -1
	}
	return index
}

func (m *RequestManager) schedulePhases(conversationID string, req *pendingRequest) {
	advance := func(phase Phase) func() {
		return func() {
			req.notifyMu.Lock()
			defer req.notifyMu.Unlock()

			m.mu.Lock()
			if m.pending[conversationID] != req {
				m.mu.Unlock()
				return
			}
			req.phase = phase
			status := RequestStatus{ConversationID: conversationID, Pending: true, Phase: phase, StartedAt: req.startedAt}
			m.mu.Unlock()
			m.notifyStatus(status)
		}
	}

	m.mu.Lock()
	if m.pending[conversationID] == req {
		req.timers = append(req.timers,
			time.AfterFunc(m.config.SearchingAfter, advance(PhaseSearching)),
			time.AfterFunc(m.config.ComposingAfter, advance(PhaseComposing)),
		)
	}
	m.mu.Unlock()
}

// clear returns a conversation to idle if req is still its pending request
func (m *RequestManager) clear(conversationID string, req *pendingRequest) {
	req.notifyMu.Lock()
	defer req.notifyMu.Unlock()

	m.mu.Lock()
	if m.pending[conversationID] != req {
		m.mu.Unlock()
		return
	}
	delete(m.pending, conversationID)
	for _, t := range req.timers {
		t.Stop()
	}
	m.mu.Unlock()

	m.notifyStatus(RequestStatus{ConversationID: conversationID})
}

func (m *RequestManager) record(result RequestResult) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordRequestLatency(m.config.Workspace, result.Duration)
	if result.Succeeded() {
		m.metrics.RecordRequestSucceeded(m.config.Workspace)
	} else {
		m.metrics.RecordRequestFailed(m.config.Workspace, string(result.Error.Kind))
	}
}

func (m *RequestManager) notifyStatus(status RequestStatus) {
	m.listenersMu.RLock()
	listeners := append([]StatusListener(nil), m.statusListeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(status)
	}
}

func (m *RequestManager) notifyResult(result RequestResult) {
	m.listenersMu.RLock()
	listeners := append([]ResultListener(nil), m.resultListeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(result)
	}
}

// Status returns the request state of one conversation
func (m *RequestManager) Status(conversationID string) RequestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[conversationID]
	if !ok {
		return RequestStatus{ConversationID: conversationID}
	}
	return RequestStatus{ConversationID: conversationID, Pending: true, Phase: req.phase, StartedAt: req.startedAt}
}

// Pending lists the conversations that await an answer
func (m *RequestManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every in-flight request has finished
func (m *RequestManager) Wait() {
	m.wg.Wait()
}
