package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Bus is an in-process MessagingPort used when NATS is disabled.
// Handlers run synchronously on the publishing goroutine, in subscription
// order, so events reach subscribers in the order they were published.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]ports.MessageHandler
	order  []string
	closed bool
	logger *logutil.Logger
}

var (
	_ ports.MessagingPort      = (*Bus)(nil)
	_ ports.ConnectionReporter = (*Bus)(nil)
)

// NewBus creates an empty bus
func NewBus(logger *logutil.Logger) *Bus {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &Bus{
		subs:   make(map[string]ports.MessageHandler),
		logger: logger,
	}
}

// Publish delivers data to every subscription whose pattern matches subject
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	type target struct {
		pattern string
		handler ports.MessageHandler
	}
	var targets []target
	for _, pattern := range b.order {
		if Matches(pattern, subject) {
			targets = append(targets, target{pattern, b.subs[pattern]})
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		if err := t.handler(ctx, subject, data); err != nil {
			b.logger.Warn("Message handler failed", logutil.Fields{
				"subject": subject,
				"pattern": t.pattern,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// PublishJSON publishes a JSON-serializable object to the subject
func (b *Bus) PublishJSON(ctx context.Context, subject string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal object for subject %s: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}

// Subscribe registers a handler for a subject pattern
func (b *Bus) Subscribe(ctx context.Context, subject string, handler ports.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if _, exists := b.subs[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}
	b.subs[subject] = handler
	b.order = append(b.order, subject)
	return nil
}

// Unsubscribe removes the handler for a subject pattern
func (b *Bus) Unsubscribe(ctx context.Context, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[subject]; !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}
	delete(b.subs, subject)
	for i, s := range b.order {
		if s == subject {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close drops every subscription; later publishes fail
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]ports.MessageHandler)
	b.order = nil
	return nil
}

// Ping reports whether the bus still accepts messages
func (b *Bus) Ping() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// GetConnectionStatus describes the bus in the shape the NATS adapter uses
func (b *Bus) GetConnectionStatus() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"connected":            !b.closed,
		"transport":            "memory",
		"active_subscriptions": len(b.subs),
	}
}

// Matches applies NATS subject rules: "*" matches one token and a trailing
// ">" matches one or more tokens
func Matches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
