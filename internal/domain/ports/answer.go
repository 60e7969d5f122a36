package ports

import (
	"context"
	"fmt"

	"github.com/username/chatstate/internal/domain/entities"
)

// AnswerPort defines the boundary to the answer-generation backend
type AnswerPort interface {
	// Answer sends the user's message and returns the generated reply
	Answer(ctx context.Context, request *AnswerRequest) (*AnswerResponse, error)

	// Health check
	Ping(ctx context.Context) error
}

// AnswerRequest represents a single outbound question
type AnswerRequest struct {
	ConversationID string             `json:"conversation_id"`
	Message        string             `json:"message"`
	History        []entities.Message `json:"history,omitempty"`
}

// AnswerResponse represents the backend's reply
type AnswerResponse struct {
	Answer string `json:"answer"`
	Model  string `json:"model,omitempty"`
}

// BackendError is returned when the backend reports a failure.
// StatusCode is zero when the failure carried no HTTP status.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("Error code: %d - %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// TokenCounter counts model tokens in outbound text
type TokenCounter interface {
	CountTokens(text string) int
}
