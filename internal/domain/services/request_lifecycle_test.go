package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
)

// fakeAnswers answers immediately unless a gate is registered for the
// conversation, in which case it waits for the gate to close
type fakeAnswers struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	answers   map[string]string
	errs      map[string]error
	requests  []ports.AnswerRequest
	fallback  string
	callCount int
}

var _ ports.AnswerPort = (*fakeAnswers)(nil)

func newFakeAnswers() *fakeAnswers {
	return &fakeAnswers{
		gates:    make(map[string]chan struct{}),
		answers:  make(map[string]string),
		errs:     make(map[string]error),
		fallback: "fine, thanks",
	}
}

func (f *fakeAnswers) hold(conversationID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[conversationID] = gate
	return gate
}

func (f *fakeAnswers) Answer(ctx context.Context, req *ports.AnswerRequest) (*ports.AnswerResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	f.callCount++
	gate := f.gates[req.ConversationID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[req.ConversationID]; err != nil {
		return nil, err
	}
	answer, ok := f.answers[req.ConversationID]
	if !ok {
		answer = f.fallback
	}
	return &ports.AnswerResponse{Answer: answer}, nil
}

func (f *fakeAnswers) Ping(ctx context.Context) error { return nil }

func (f *fakeAnswers) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

type runeCounter struct{}

func (runeCounter) CountTokens(text string) int { return len([]rune(text)) }

func newTestRequests(t *testing.T, answers ports.AnswerPort, config RequestConfig) (*RequestManager, *ConversationStore) {
	t.Helper()
	store, _ := newTestStore(t)
	config.Workspace = "chat"
	return NewRequestManager(store, answers, runeCounter{}, config, quietLogger(), metrics.NewCollector()), store
}

func awaitResult(t *testing.T, results <-chan RequestResult) RequestResult {
	t.Helper()
	select {
	case r, ok := <-results:
		require.True(t, ok, "result channel closed without a result")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return RequestResult{}
	}
}

func TestRequestManager_Send(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{})
	id := store.Current().ID

	var results []RequestResult
	manager.OnResult(func(r RequestResult) { results = append(results, r) })

	ch, err := manager.Send(context.Background(), id, "how are you?")
	require.NoError(t, err)

	result := awaitResult(t, ch)
	assert.True(t, result.Succeeded())
	assert.Equal(t, id, result.ConversationID)
	assert.Equal(t, "fine, thanks", result.Answer)
	assert.Equal(t, 2, result.MessageIndex)

	_, open := <-ch
	assert.False(t, open, "channel is closed after the result")

	manager.Wait()
	conv, err := store.Conversation(id)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, entities.RoleUser, conv.Messages[1].Role)
	assert.Equal(t, "how are you?", conv.Messages[1].Text)
	assert.Equal(t, entities.RoleBot, conv.Messages[2].Role)
	assert.Equal(t, "fine, thanks", conv.Messages[2].Text)

	require.Len(t, answers.requests, 1)
	assert.Equal(t, "how are you?", answers.requests[0].Message)
	assert.Len(t, answers.requests[0].History, 1, "history holds the messages before the question")

	assert.False(t, manager.Status(id).Pending)
	assert.Empty(t, manager.Pending())
	require.Len(t, results, 1)
}

func TestRequestManager_SendValidation(t *testing.T) {
	manager, store := newTestRequests(t, newFakeAnswers(), RequestConfig{})

	_, err := manager.Send(context.Background(), store.Current().ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = manager.Send(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = manager.Send(context.Background(), store.Current().ID, strings.Repeat("가", MaxMessageTextLength+1))
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Len(t, store.Current().Messages, 1, "an oversized message is not appended")
}

func TestRequestManager_OnePendingPerConversation(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{})
	first := store.Current().ID
	second := store.CreateConversation()

	answers.answers[first] = "first answer"
	answers.answers[second] = "second answer"
	gateFirst := answers.hold(first)
	gateSecond := answers.hold(second)

	chFirst, err := manager.Send(context.Background(), first, "one")
	require.NoError(t, err)

	_, err = manager.Send(context.Background(), first, "again")
	assert.ErrorIs(t, err, ErrRequestPending)

	chSecond, err := manager.Send(context.Background(), second, "two")
	require.NoError(t, err, "other conversations can send while one is pending")
	assert.ElementsMatch(t, []string{first, second}, manager.Pending())

	// Answers arrive in reverse order and still land in their own conversation
	close(gateSecond)
	resultSecond := awaitResult(t, chSecond)
	assert.Equal(t, second, resultSecond.ConversationID)
	assert.Equal(t, "second answer", resultSecond.Answer)
	assert.True(t, manager.Status(first).Pending)

	close(gateFirst)
	resultFirst := awaitResult(t, chFirst)
	assert.Equal(t, first, resultFirst.ConversationID)
	assert.Equal(t, "first answer", resultFirst.Answer)
	manager.Wait()

	convFirst, _ := store.Conversation(first)
	convSecond, _ := store.Conversation(second)
	assert.Equal(t, "first answer", convFirst.Messages[len(convFirst.Messages)-1].Text)
	assert.Equal(t, "second answer", convSecond.Messages[len(convSecond.Messages)-1].Text)

	// The conversation accepts a new question once idle
	ch, err := manager.Send(context.Background(), first, "again")
	require.NoError(t, err)
	awaitResult(t, ch)
}

func TestRequestManager_Phases(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{
		SearchingAfter: 10 * time.Millisecond,
		ComposingAfter: 60 * time.Millisecond,
	})
	id := store.Current().ID
	gate := answers.hold(id)

	var mu sync.Mutex
	var statuses []RequestStatus
	manager.OnStatus(func(s RequestStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	ch, err := manager.Send(context.Background(), id, "question")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return manager.Status(id).Phase == PhaseComposing
	}, time.Second, 5*time.Millisecond)

	close(gate)
	awaitResult(t, ch)
	manager.Wait()

	mu.Lock()
	defer mu.Unlock()
	phases := make([]Phase, 0, len(statuses))
	for _, s := range statuses {
		phases = append(phases, s.Phase)
	}
	assert.Equal(t, []Phase{PhaseUnderstanding, PhaseSearching, PhaseComposing, PhaseNone}, phases)
	assert.False(t, statuses[len(statuses)-1].Pending)
}

func TestRequestManager_FastAnswerSkipsLaterPhases(t *testing.T) {
	manager, store := newTestRequests(t, newFakeAnswers(), RequestConfig{
		SearchingAfter: 50 * time.Millisecond,
		ComposingAfter: 100 * time.Millisecond,
	})
	id := store.Current().ID

	var mu sync.Mutex
	var phases []Phase
	manager.OnStatus(func(s RequestStatus) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})

	ch, err := manager.Send(context.Background(), id, "quick")
	require.NoError(t, err)
	awaitResult(t, ch)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseUnderstanding, PhaseNone}, phases)
}

func TestRequestManager_IdleNoticeComesLast(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{
		SearchingAfter: 10 * time.Millisecond,
		ComposingAfter: time.Second,
	})
	id := store.Current().ID
	gate := answers.hold(id)

	var mu sync.Mutex
	var statuses []RequestStatus
	manager.OnStatus(func(s RequestStatus) {
		if s.Phase == PhaseSearching {
			// the answer completes while this listener is still running
			close(gate)
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	ch, err := manager.Send(context.Background(), id, "slow listener")
	require.NoError(t, err)
	awaitResult(t, ch)
	manager.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	phases := make([]Phase, 0, len(statuses))
	for _, s := range statuses {
		phases = append(phases, s.Phase)
	}
	assert.Equal(t, []Phase{PhaseUnderstanding, PhaseSearching, PhaseNone}, phases)
	assert.False(t, statuses[len(statuses)-1].Pending)
	assert.False(t, manager.Status(id).Pending)
}

func TestRequestManager_Failures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantText string
		wantKind ErrorKind
	}{
		{
			name:     "backend reported an error",
			err:      &ports.BackendError{StatusCode: 500, Message: "boom"},
			wantText: BackendFailureText,
			wantKind: ErrorKindServer,
		},
		{
			name:     "backend rate limited",
			err:      &ports.BackendError{StatusCode: 429, Message: "Rate limit reached"},
			wantText: BackendFailureText,
			wantKind: ErrorKindRateLimit,
		},
		{
			name:     "backend unreachable",
			err:      errors.New("dial tcp: connection refused"),
			wantText: TransportFailureText,
			wantKind: ErrorKindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers := newFakeAnswers()
			manager, store := newTestRequests(t, answers, RequestConfig{})
			id := store.Current().ID
			answers.errs[id] = tt.err

			ch, err := manager.Send(context.Background(), id, "question")
			require.NoError(t, err)
			result := awaitResult(t, ch)
			manager.Wait()

			require.False(t, result.Succeeded())
			assert.Equal(t, tt.wantKind, result.Error.Kind)
			assert.Equal(t, 2, result.MessageIndex)

			conv, _ := store.Conversation(id)
			last := conv.Messages[len(conv.Messages)-1]
			assert.Equal(t, entities.RoleBot, last.Role)
			assert.Equal(t, tt.wantText, last.Text)
			assert.False(t, manager.Status(id).Pending)
		})
	}
}

func TestRequestManager_EmptyAnswer(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{})
	id := store.Current().ID
	answers.answers[id] = "  "

	ch, err := manager.Send(context.Background(), id, "question")
	require.NoError(t, err)
	result := awaitResult(t, ch)

	assert.True(t, result.Succeeded())
	assert.Equal(t, NoResponseText, result.Answer)
	manager.Wait()
	conv, _ := store.Conversation(id)
	assert.Equal(t, NoResponseText, conv.Messages[2].Text)
}

func TestRequestManager_ConversationDeletedWhilePending(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{})
	id := store.Current().ID
	gate := answers.hold(id)

	ch, err := manager.Send(context.Background(), id, "question")
	require.NoError(t, err)
	require.NoError(t, store.DeleteConversation(id))

	close(gate)
	result := awaitResult(t, ch)
	manager.Wait()

	assert.Equal(t, id, result.ConversationID)
	assert.Equal(t, -1, result.MessageIndex)
	_, err = store.Conversation(id)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, c := range store.Snapshot().Conversations {
		assert.Len(t, c.Messages, 1, "the answer is not written anywhere else")
	}
}

func TestRequestManager_OutlivesCallerContext(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{})
	id := store.Current().ID
	gate := answers.hold(id)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := manager.Send(ctx, id, "question")
	require.NoError(t, err)
	cancel()

	close(gate)
	result := awaitResult(t, ch)
	assert.True(t, result.Succeeded())
}

func TestRequestManager_Timeout(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{Timeout: 20 * time.Millisecond})
	id := store.Current().ID
	answers.hold(id)

	ch, err := manager.Send(context.Background(), id, "question")
	require.NoError(t, err)
	result := awaitResult(t, ch)

	require.False(t, result.Succeeded())
	manager.Wait()
	conv, _ := store.Conversation(id)
	assert.Equal(t, TransportFailureText, conv.Messages[2].Text)
}

func TestRequestManager_TokenPreflight(t *testing.T) {
	answers := newFakeAnswers()
	manager, store := newTestRequests(t, answers, RequestConfig{MaxPromptTokens: 5})
	id := store.Current().ID

	ch, err := manager.Send(context.Background(), id, "this is far too long")
	require.NoError(t, err)
	result := awaitResult(t, ch)

	require.False(t, result.Succeeded())
	assert.Equal(t, ErrorKindSizeLimit, result.Error.Kind)
	assert.Equal(t, "413", result.Error.Code)
	assert.Equal(t, 0, answers.calls(), "oversized prompts never reach the backend")
}

func TestRequestManager_NoBackend(t *testing.T) {
	manager, store := newTestRequests(t, nil, RequestConfig{})
	id := store.Current().ID

	ch, err := manager.Send(context.Background(), id, "anyone there?")
	require.NoError(t, err)
	result := awaitResult(t, ch)

	require.False(t, result.Succeeded())
	assert.Equal(t, "503", result.Error.Code)
	manager.Wait()
	conv, _ := store.Conversation(id)
	assert.Equal(t, BackendFailureText, conv.Messages[2].Text)
}
