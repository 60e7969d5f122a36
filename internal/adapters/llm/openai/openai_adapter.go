package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/ports"
)

// HistoryTrimmer keeps the newest messages that fit within a token budget
type HistoryTrimmer interface {
	TrimHistory(messages []entities.Message, maxTokens int) []entities.Message
}

// Config holds adapter settings
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	SystemPrompt  string
	HistoryTokens int // zero sends the whole history
}

// Adapter implements the AnswerPort interface using OpenAI-compatible APIs
type Adapter struct {
	client        *openai.Client
	model         string
	systemPrompt  string
	historyTokens int
	trimmer       HistoryTrimmer
}

var _ ports.AnswerPort = (*Adapter)(nil)

// NewAdapter creates a new OpenAI-compatible answer adapter. trimmer may be nil.
func NewAdapter(cfg Config, trimmer HistoryTrimmer) (*Adapter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)

	// Override base URL for local providers like Ollama/LM Studio
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &Adapter{
		client:        openai.NewClientWithConfig(config),
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		historyTokens: cfg.HistoryTokens,
		trimmer:       trimmer,
	}, nil
}

// Answer asks the model for a reply to the request's message
func (a *Adapter) Answer(ctx context.Context, request *ports.AnswerRequest) (*ports.AnswerResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: a.convertMessages(request),
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, convertError(err)
	}

	if len(resp.Choices) == 0 {
		return &ports.AnswerResponse{Model: resp.Model}, nil
	}

	return &ports.AnswerResponse{
		Answer: resp.Choices[0].Message.Content,
		Model:  resp.Model,
	}, nil
}

// Ping checks backend connectivity
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.ListModels(ctx); err != nil {
		return fmt.Errorf("answer backend ping failed: %w", convertError(err))
	}
	return nil
}

// convertMessages builds the chat transcript: system prompt, prior turns,
// then the new question
func (a *Adapter) convertMessages(request *ports.AnswerRequest) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if a.systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: a.systemPrompt,
		})
	}

	history := request.History
	if a.trimmer != nil && a.historyTokens > 0 {
		history = a.trimmer.TrimHistory(history, a.historyTokens)
	}

	for _, msg := range history {
		if !msg.HasText() {
			continue
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Text,
		})
	}

	return append(result, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: request.Message,
	})
}

// convertRole converts our domain roles to OpenAI roles
func convertRole(role entities.MessageRole) string {
	if role == entities.RoleBot {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

// convertError turns API failures into BackendErrors so callers can report
// the status code; transport failures pass through unchanged
func convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ports.BackendError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := http.StatusText(reqErr.HTTPStatusCode)
		if len(reqErr.Body) > 0 {
			message = strings.TrimSpace(string(reqErr.Body))
		}
		return &ports.BackendError{StatusCode: reqErr.HTTPStatusCode, Message: message}
	}

	return fmt.Errorf("failed to reach answer backend: %w", err)
}
