package ports

import (
	"context"
	"errors"
)

// ErrBlobNotFound is returned by Load when nothing was stored under a key
var ErrBlobNotFound = errors.New("blob not found")

// BlobStoragePort defines the interface for the key/blob store that holds
// serialized workspace snapshots
type BlobStoragePort interface {
	// Load returns the blob stored under key, or ErrBlobNotFound
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the blob stored under key
	Save(ctx context.Context, key string, data []byte) error

	// Health check
	Ping(ctx context.Context) error
}

// JournalPort records store changes as an append-only event log
type JournalPort interface {
	// SaveEvent appends an event for a workspace
	SaveEvent(ctx context.Context, workspace, eventType string, payload map[string]interface{}) error

	// GetEvents returns the most recent events for a workspace, oldest first
	GetEvents(ctx context.Context, workspace string, limit int) ([]Event, error)
}

// Event represents a stored journal entry
type Event struct {
	ID        string                 `json:"id"`
	Workspace string                 `json:"workspace"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"` // ISO 8601 timestamp
}
