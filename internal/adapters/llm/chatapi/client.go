package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/constants"
)

// Client talks to the question-answering backend's /chat endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ ports.AnswerPort = (*Client)(nil)

// NewClient creates a new chat API client. A zero timeout leaves the
// deadline to the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChatRequest is the body posted to /chat
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse carries either an answer or an error. The backend reports
// failures in the body, sometimes with a 200 status.
type ChatResponse struct {
	Answer string          `json:"answer"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// errorText renders the error field, which is usually a string but may be
// any JSON value
func (r ChatResponse) errorText() string {
	raw := bytes.TrimSpace(r.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// Answer posts the message and returns the backend's answer
func (c *Client) Answer(ctx context.Context, request *ports.AnswerRequest) (*ports.AnswerResponse, error) {
	jsonBody, err := json.Marshal(ChatRequest{Message: request.Message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response ChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &ports.BackendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if text := response.errorText(); text != "" {
		status := 0
		if resp.StatusCode >= http.StatusBadRequest {
			status = resp.StatusCode
		}
		return nil, &ports.BackendError{StatusCode: status, Message: text}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &ports.BackendError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return &ports.AnswerResponse{Answer: response.Answer}, nil
}

// Ping checks that the backend answers HTTP at all. Any response counts,
// since the backend has no dedicated health route.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat API not available: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	return nil
}
