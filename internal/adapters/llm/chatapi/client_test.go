package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/username/chatstate/internal/domain/ports"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		expectedURL string
	}{
		{
			name:        "basic URL",
			baseURL:     "http://127.0.0.1:5000",
			expectedURL: "http://127.0.0.1:5000",
		},
		{
			name:        "URL with trailing slash",
			baseURL:     "http://127.0.0.1:5000/",
			expectedURL: "http://127.0.0.1:5000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(tt.baseURL, time.Second)
			if client.baseURL != tt.expectedURL {
				t.Errorf("NewClient() baseURL = %v, want %v", client.baseURL, tt.expectedURL)
			}
		})
	}
}

func TestClient_Answer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("Expected POST /chat, got %s %s", r.Method, r.URL.Path)
		}

		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != "토마토 키우는 법" {
			t.Errorf("Expected message to be forwarded, got %q", req.Message)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"햇볕이 잘 드는 곳에 심으세요."}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	resp, err := client.Answer(context.Background(), &ports.AnswerRequest{ConversationID: "c1", Message: "토마토 키우는 법"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Answer != "햇볕이 잘 드는 곳에 심으세요." {
		t.Errorf("Unexpected answer %q", resp.Answer)
	}
}

func TestClient_Answer_BackendErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantStatus int
		wantText   string
	}{
		{
			name:       "error field with 200",
			statusCode: http.StatusOK,
			body:       `{"error":"Error code: 429 - rate limit exceeded"}`,
			wantStatus: 0,
			wantText:   "Error code: 429 - rate limit exceeded",
		},
		{
			name:       "error field with status",
			statusCode: http.StatusInternalServerError,
			body:       `{"error":"agent crashed"}`,
			wantStatus: 500,
			wantText:   "Error code: 500 - agent crashed",
		},
		{
			name:       "structured error field",
			statusCode: http.StatusOK,
			body:       `{"error":{"code":"timeout"}}`,
			wantStatus: 0,
			wantText:   `{"code":"timeout"}`,
		},
		{
			name:       "non-json error page",
			statusCode: http.StatusBadGateway,
			body:       "Bad Gateway",
			wantStatus: 502,
			wantText:   "Error code: 502 - Bad Gateway",
		},
		{
			name:       "json without error field",
			statusCode: http.StatusServiceUnavailable,
			body:       `{}`,
			wantStatus: 503,
			wantText:   "Error code: 503 - Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, time.Second)
			_, err := client.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})

			var backendErr *ports.BackendError
			if !errors.As(err, &backendErr) {
				t.Fatalf("Expected BackendError, got %v", err)
			}
			if backendErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", backendErr.StatusCode, tt.wantStatus)
			}
			if backendErr.Error() != tt.wantText {
				t.Errorf("Error() = %q, want %q", backendErr.Error(), tt.wantText)
			}
		})
	}
}

func TestClient_Answer_TransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		client := NewClient(url, time.Second)
		_, err := client.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})
		var backendErr *ports.BackendError
		if err == nil || errors.As(err, &backendErr) {
			t.Errorf("Expected a transport error, got %v", err)
		}
	})

	t.Run("garbled success body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}))
		defer server.Close()

		client := NewClient(server.URL, time.Second)
		_, err := client.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"})
		var backendErr *ports.BackendError
		if err == nil || errors.As(err, &backendErr) {
			t.Errorf("Expected a decode error, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"answer":"late"}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, 20*time.Millisecond)
		if _, err := client.Answer(context.Background(), &ports.AnswerRequest{Message: "hi"}); err == nil {
			t.Error("Expected timeout error, got nil")
		}
	})
}

func TestClient_Ping(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		expectError bool
	}{
		{
			name:        "successful ping",
			statusCode:  http.StatusOK,
			expectError: false,
		},
		{
			name:        "no index route still counts as reachable",
			statusCode:  http.StatusNotFound,
			expectError: false,
		},
		{
			name:        "server error",
			statusCode:  http.StatusInternalServerError,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := NewClient(server.URL, time.Second)
			err := client.Ping(context.Background())

			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}
