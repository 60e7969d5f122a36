package services

import (
	"context"
	"fmt"
	"time"

	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// WorkspaceEvent is the envelope published on the event bus
type WorkspaceEvent struct {
	Workspace string      `json:"workspace"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventPublisher forwards store, request and playback notifications of one
// workspace to the event bus, and journals store changes
type EventPublisher struct {
	workspace string
	bus       ports.MessagingPort
	journal   ports.JournalPort
	logger    *logutil.Logger
	timeout   time.Duration
}

// NewEventPublisher creates a publisher; bus and journal may be nil
func NewEventPublisher(workspace string, bus ports.MessagingPort, journal ports.JournalPort, logger *logutil.Logger) *EventPublisher {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &EventPublisher{
		workspace: workspace,
		bus:       bus,
		journal:   journal,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Attach subscribes the publisher to the workspace's services
func (e *EventPublisher) Attach(store *ConversationStore, requests *RequestManager, playback *PlaybackCoordinator) {
	if store != nil {
		store.OnChange(e.PublishChange)
	}
	if requests != nil {
		requests.OnStatus(e.PublishStatus)
		requests.OnResult(e.PublishResult)
	}
	if playback != nil {
		playback.OnEvent(e.PublishPlayback)
	}
}

// PublishChange publishes and journals a committed store change
func (e *EventPublisher) PublishChange(change Change) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	e.publish(ctx, fmt.Sprintf(ports.SubjectStoreChange, e.workspace, change.Kind), string(change.Kind), change)

	if e.journal == nil {
		return
	}
	payload := map[string]interface{}{
		"conversation_id": change.ConversationID,
		"folder_id":       change.FolderID,
		"index":           change.Index,
	}
	if err := e.journal.SaveEvent(ctx, e.workspace, string(change.Kind), payload); err != nil {
		e.logger.Warn("Failed to journal store change", logutil.Fields{
			"workspace": e.workspace,
			"change":    string(change.Kind),
			"error":     err.Error(),
		})
	}
}

// PublishStatus publishes a request phase change
func (e *EventPublisher) PublishStatus(status RequestStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	e.publish(ctx, fmt.Sprintf(ports.SubjectRequestPhase, e.workspace), "request.phase", status)
}

// PublishResult publishes the outcome of a request
func (e *EventPublisher) PublishResult(result RequestResult) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	e.publish(ctx, fmt.Sprintf(ports.SubjectRequestResult, e.workspace), "request.result", result)

	if result.Error != nil {
		e.publish(ctx, ports.SubjectSystemError, "request.error", map[string]interface{}{
			"conversation_id": result.ConversationID,
			"kind":            result.Error.Kind,
			"code":            result.Error.Code,
		})
	}
}

// PublishPlayback publishes a playback event
func (e *EventPublisher) PublishPlayback(event PlaybackEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	e.publish(ctx, fmt.Sprintf(ports.SubjectPlayback, e.workspace), "playback."+string(event.Kind), event)
}

func (e *EventPublisher) publish(ctx context.Context, subject, eventType string, data interface{}) {
	if e.bus == nil {
		return
	}
	event := WorkspaceEvent{
		Workspace: e.workspace,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := e.bus.PublishJSON(ctx, subject, event); err != nil {
		e.logger.Warn("Failed to publish event", logutil.Fields{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}
