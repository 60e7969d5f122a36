package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	ws "github.com/username/chatstate/internal/adapters/websocket"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/httputil"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// busEvent mirrors the envelope workspaces publish on the event bus
type busEvent struct {
	Workspace string          `json:"workspace"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler relays workspace events from the event bus to WebSocket clients
// and accepts client connections per workspace
type Handler struct {
	hub        *ws.Hub
	messaging  ports.MessagingPort
	workspaces map[string]bool
	logger     *logutil.Logger
}

// NewHandler creates a relay for the given workspaces
func NewHandler(hub *ws.Hub, messaging ports.MessagingPort, workspaces []string, logger *logutil.Logger) *Handler {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	known := make(map[string]bool, len(workspaces))
	for _, w := range workspaces {
		known[w] = true
	}
	return &Handler{
		hub:        hub,
		messaging:  messaging,
		workspaces: known,
		logger:     logger,
	}
}

// Start subscribes to workspace and system error events
func (h *Handler) Start(ctx context.Context) error {
	if err := h.messaging.Subscribe(ctx, ports.SubjectStoreAll, h.handleWorkspaceEvent); err != nil {
		return fmt.Errorf("failed to subscribe to workspace events: %w", err)
	}

	if err := h.messaging.Subscribe(ctx, ports.SubjectSystemError, h.handleSystemError); err != nil {
		return fmt.Errorf("failed to subscribe to system errors: %w", err)
	}

	h.logger.Info("WebSocket relay started and listening for events")
	return nil
}

// Stop removes the relay's subscriptions
func (h *Handler) Stop(ctx context.Context) error {
	for _, subject := range []string{ports.SubjectStoreAll, ports.SubjectSystemError} {
		if err := h.messaging.Unsubscribe(ctx, subject); err != nil {
			return err
		}
	}
	return nil
}

// HandleWebSocket upgrades a connection and joins it to the workspace's room
func (h *Handler) HandleWebSocket(c *gin.Context) {
	workspace := c.Param("workspace")
	if !h.workspaces[workspace] {
		httputil.NotFoundError(c, fmt.Errorf("%s: %s", constants.ErrMsgWorkspaceNotFound, workspace))
		return
	}

	if err := h.hub.Serve(c.Writer, c.Request, workspace); err != nil {
		h.logger.Warn("WebSocket connection rejected", logutil.Fields{"workspace": workspace, "error": err.Error()})
	}
}

// handleWorkspaceEvent forwards a workspace event to that workspace's room
func (h *Handler) handleWorkspaceEvent(ctx context.Context, subject string, data []byte) error {
	var event busEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event on %s: %w", subject, err)
	}

	workspace := event.Workspace
	if workspace == "" {
		workspace = workspaceFromSubject(subject)
	}
	if !h.workspaces[workspace] {
		return nil
	}

	h.hub.SendToRoom(workspace, ws.Event{
		Type:      event.Type,
		Workspace: workspace,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	})
	return nil
}

// handleSystemError forwards error notices to every client
func (h *Handler) handleSystemError(ctx context.Context, subject string, data []byte) error {
	var event busEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal system error: %w", err)
	}

	h.hub.Broadcast(ws.Event{
		Type:      event.Type,
		Workspace: event.Workspace,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	})
	return nil
}

// workspaceFromSubject extracts the workspace token of workspace.<name>.*
func workspaceFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 || parts[0] != "workspace" {
		return ""
	}
	return parts[1]
}

// ConnectionStats reports hub connections for the health endpoint
func (h *Handler) ConnectionStats() map[string]interface{} {
	return h.hub.GetStats()
}
