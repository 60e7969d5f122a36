package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/ports"
)

// keepLast is a HistoryTrimmer that keeps the last n messages
type keepLast int

func (k keepLast) TrimHistory(messages []entities.Message, maxTokens int) []entities.Message {
	if len(messages) <= int(k) {
		return messages
	}
	return messages[len(messages)-int(k):]
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc, cfg Config, trimmer HistoryTrimmer) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL + "/v1/"
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	adapter, err := NewAdapter(cfg, trimmer)
	require.NoError(t, err)
	return adapter
}

func TestNewAdapter_RequiresModel(t *testing.T) {
	_, err := NewAdapter(Config{BaseURL: "http://localhost:11434/v1"}, nil)
	assert.Error(t, err)
}

func TestAdapter_Answer(t *testing.T) {
	var got openai.ChatCompletionRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "gpt-4o-mini-2024",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "It is sunny."}},
			},
		})
	}, Config{APIKey: "secret", SystemPrompt: "Be brief.", HistoryTokens: 100}, keepLast(2))

	resp, err := adapter.Answer(context.Background(), &ports.AnswerRequest{
		ConversationID: "c1",
		Message:        "And tomorrow?",
		History: []entities.Message{
			{Role: entities.RoleBot, Text: "Hello! How can I help you today?"},
			{Role: entities.RoleUser, Text: "What is the weather?"},
			{Role: entities.RoleBot, Text: "   "},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", resp.Answer)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 3, "system, trimmed history without blanks, question")
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[1].Role)
	assert.Equal(t, "What is the weather?", got.Messages[1].Content)
	assert.Equal(t, "And tomorrow?", got.Messages[2].Content)
}

func TestAdapter_Answer_NoChoices(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","choices":[]}`))
	}, Config{}, nil)

	resp, err := adapter.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, resp.Answer)
}

func TestAdapter_Answer_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantText   string
	}{
		{
			name:       "api error",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`,
			wantStatus: 429,
			wantText:   "Error code: 429 - Rate limit reached",
		},
		{
			name:       "non-json error body",
			status:     http.StatusBadGateway,
			body:       `upstream unavailable`,
			wantStatus: 502,
			wantText:   "Error code: 502 - upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{}, nil)

			_, err := adapter.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})
			var backendErr *ports.BackendError
			require.True(t, errors.As(err, &backendErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, backendErr.StatusCode)
			assert.Equal(t, tt.wantText, backendErr.Error())
		})
	}
}

func TestAdapter_Answer_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	adapter, err := NewAdapter(Config{BaseURL: url, Model: "m"}, nil)
	require.NoError(t, err)

	_, err = adapter.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})
	require.Error(t, err)
	var backendErr *ports.BackendError
	assert.False(t, errors.As(err, &backendErr))
}

func TestAdapter_Ping(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}, Config{}, nil)

	assert.NoError(t, adapter.Ping(context.Background()))
}
