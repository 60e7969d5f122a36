package factory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/logutil"
	"github.com/username/chatstate/pkg/config"
)

func newChatBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "echo: " + req.Message})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "file"
	cfg.Storage.FilePath = t.TempDir()
	cfg.Answer.BaseURL = backendURL
	cfg.Answer.Timeout = 5 * time.Second
	return cfg
}

func newFactory() *ServiceFactory {
	return NewServiceFactory(logutil.NewLoggerTo(logutil.LogConfig{Level: logutil.ERROR, Format: "text"}, io.Discard))
}

func TestInitialize_Workspaces(t *testing.T) {
	ctx := context.Background()
	backend := newChatBackend(t)

	container, err := newFactory().Initialize(ctx, InitializationOptions{
		Config:                testConfig(t, backend.URL),
		ValidateConfiguration: true,
		EnableHealthChecks:    true,
	})
	require.NoError(t, err)
	defer container.Shutdown(ctx)

	require.Len(t, container.Workspaces, 2)
	assert.Nil(t, container.Journal, "the file backend has no journal")
	assert.NotNil(t, container.API)

	chat, ok := container.Workspace(constants.WorkspaceChat)
	require.True(t, ok)
	assert.False(t, chat.AutoSpeak)
	assert.Equal(t, entities.DefaultGreeting, chat.Store.Current().Messages[0].Text)

	voice, ok := container.Workspace(constants.WorkspaceVoice)
	require.True(t, ok)
	assert.True(t, voice.AutoSpeak)
	assert.Equal(t, entities.VoiceGreeting, voice.Store.Current().Messages[0].Text)

	_, ok = container.Workspace("other")
	assert.False(t, ok)

	id := chat.Store.Current().ID
	results, err := chat.Requests.Send(ctx, id, "hello")
	require.NoError(t, err)
	result := <-results
	require.True(t, result.Succeeded())
	assert.Equal(t, "echo: hello", result.Answer)
}

func TestInitialize_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://localhost:8000")
	cfg.Answer.Provider = "carrier-pigeon"

	_, err := newFactory().Initialize(context.Background(), InitializationOptions{
		Config:                cfg,
		ValidateConfiguration: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestContainer_SnapshotsSurviveRestart(t *testing.T) {
	backend := newChatBackend(t)
	cfg := testConfig(t, backend.URL)
	cfg.Storage.KeyPrefix = "test_"

	ctx, cancel := context.WithCancel(context.Background())
	first, err := newFactory().Initialize(ctx, InitializationOptions{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	chat, _ := first.Workspace(constants.WorkspaceChat)
	id := chat.Store.CreateConversation()
	require.NoError(t, chat.Store.RenameConversation(id, "Kept"))
	folderID, err := chat.Store.CreateFolderWith("Archive", id)
	require.NoError(t, err)

	cancel()
	require.NoError(t, first.Shutdown(context.Background()))

	second, err := newFactory().Initialize(context.Background(), InitializationOptions{Config: cfg})
	require.NoError(t, err)
	defer second.Shutdown(context.Background())

	restored, _ := second.Workspace(constants.WorkspaceChat)
	conv, err := restored.Store.Conversation(id)
	require.NoError(t, err)
	assert.Equal(t, "Kept", conv.Title)
	assert.Equal(t, folderID, conv.FolderID)
	assert.Equal(t, id, restored.Store.Snapshot().CurrentID)

	voice, _ := second.Workspace(constants.WorkspaceVoice)
	_, err = voice.Store.Conversation(id)
	assert.Error(t, err, "workspaces keep separate snapshots")
}

func TestInitialize_SQLiteJournal(t *testing.T) {
	backend := newChatBackend(t)
	cfg := testConfig(t, backend.URL)
	cfg.Storage.Backend = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatstate.db")
	cfg.Database.MigrationsPath = filepath.Join("..", "..", "adapters", "storage", "sqlite", "migrations")

	ctx := context.Background()
	container, err := newFactory().Initialize(ctx, InitializationOptions{Config: cfg, EnableHealthChecks: true})
	require.NoError(t, err)
	defer container.Shutdown(ctx)
	require.NotNil(t, container.Journal)

	chat, _ := container.Workspace(constants.WorkspaceChat)
	id := chat.Store.CreateConversation()

	events, err := container.Journal.GetEvents(ctx, constants.WorkspaceChat, 10)
	require.NoError(t, err)
	var created bool
	for _, e := range events {
		if e.EventType == "conversation.created" {
			created = true
			assert.Equal(t, id, e.Payload["conversation_id"])
		}
	}
	assert.True(t, created, "store changes are journaled")
}
