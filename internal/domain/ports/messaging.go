package ports

import (
	"context"
)

// MessageHandler defines a function type for handling incoming messages
type MessageHandler func(ctx context.Context, subject string, data []byte) error

// MessagingPort defines the interface for event bus operations
type MessagingPort interface {
	// Publish sends a message to the specified subject
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishJSON publishes a JSON-serializable object to the subject
	PublishJSON(ctx context.Context, subject string, obj interface{}) error

	// Subscribe listens for messages on the specified subject
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error

	// Unsubscribe stops listening to a subject
	Unsubscribe(ctx context.Context, subject string) error

	// Close closes the messaging connection
	Close() error

	// Health check
	Ping() error
}

// Standard subjects used across the system
const (
	// Store change events
	SubjectStoreChange = "workspace.%s.store.%s" // workspace, change kind
	SubjectStoreAll    = "workspace.>"

	// Request lifecycle events
	SubjectRequestPhase  = "workspace.%s.request.phase"  // workspace
	SubjectRequestResult = "workspace.%s.request.result" // workspace

	// Playback events
	SubjectPlayback = "workspace.%s.playback" // workspace

	// System events
	SubjectSystemHealth = "system.health"
	SubjectSystemError  = "system.error"
)

// ConnectionReporter is implemented by messaging adapters that can describe
// their connection for diagnostics
type ConnectionReporter interface {
	GetConnectionStatus() map[string]interface{}
}
