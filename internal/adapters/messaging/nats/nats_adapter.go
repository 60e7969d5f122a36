package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Adapter implements the MessagingPort interface using NATS
type Adapter struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	subs      map[string]*nats.Subscription
	subsMutex sync.RWMutex
	logger    *logutil.Logger
}

var (
	_ ports.MessagingPort      = (*Adapter)(nil)
	_ ports.ConnectionReporter = (*Adapter)(nil)
)

// streamSpec names a JetStream stream and the subjects it captures
type streamSpec struct {
	name     string
	subjects []string
}

var streams = []streamSpec{
	{name: "WORKSPACE_EVENTS", subjects: []string{ports.SubjectStoreAll}},
	{name: "SYSTEM_EVENTS", subjects: []string{"system.>"}},
}

// NewAdapter creates a new NATS messaging adapter
func NewAdapter(url string, jsEnabled bool, retentionDays int, logger *logutil.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}

	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(5*1024*1024),
		nats.Name(constants.ServiceName+"-events"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logutil.Fields{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", logutil.Fields{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	adapter := &Adapter{
		conn:   conn,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}

	if jsEnabled {
		js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		adapter.js = js

		if err := adapter.setupStreams(retentionDays); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to setup JetStream streams: %w", err)
		}
	}

	return adapter, nil
}

// setupStreams creates or updates the JetStream streams
func (a *Adapter) setupStreams(retentionDays int) error {
	for _, stream := range streams {
		cfg := streamConfig(stream, retentionDays)

		info, err := a.js.StreamInfo(stream.name)
		if err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return fmt.Errorf("failed to get stream info for %s: %w", stream.name, err)
			}
			if _, err := a.js.AddStream(cfg); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
			}
			continue
		}

		if needsUpdate(info.Config, *cfg) {
			if _, err := a.js.UpdateStream(cfg); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
			}
		}
	}

	return nil
}

func streamConfig(stream streamSpec, retentionDays int) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:        stream.name,
		Subjects:    stream.subjects,
		Retention:   nats.LimitsPolicy,
		MaxAge:      time.Duration(retentionDays) * 24 * time.Hour,
		MaxMsgs:     100000,
		MaxBytes:    256 * 1024 * 1024,
		Storage:     nats.FileStorage,
		Compression: nats.S2Compression,
	}
}

// needsUpdate checks if a stream configuration needs updating
func needsUpdate(existing, desired nats.StreamConfig) bool {
	return existing.MaxAge != desired.MaxAge ||
		existing.MaxMsgs != desired.MaxMsgs ||
		existing.MaxBytes != desired.MaxBytes ||
		existing.Compression != desired.Compression
}

// Publish sends a message to the specified subject
func (a *Adapter) Publish(ctx context.Context, subject string, data []byte) error {
	if a.js == nil {
		if err := a.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
		}
		return nil
	}

	future, err := a.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream subject %s: %w", subject, err)
	}

	select {
	case <-future.Ok():
		return nil
	case err := <-future.Err():
		return fmt.Errorf("JetStream rejected message for subject %s: %w", subject, err)
	case <-ctx.Done():
		return fmt.Errorf("publish timeout for subject %s: %w", subject, ctx.Err())
	case <-time.After(constants.MessagingTimeout):
		return fmt.Errorf("publish timeout for subject %s", subject)
	}
}

// PublishJSON publishes a JSON-serializable object to the subject
func (a *Adapter) PublishJSON(ctx context.Context, subject string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal object for subject %s: %w", subject, err)
	}

	return a.Publish(ctx, subject, data)
}

// Subscribe listens for messages on the specified subject.
// JetStream subscriptions only deliver messages published after subscribing.
func (a *Adapter) Subscribe(ctx context.Context, subject string, handler ports.MessageHandler) error {
	a.subsMutex.Lock()
	defer a.subsMutex.Unlock()

	if _, exists := a.subs[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	msgHandler := func(msg *nats.Msg) {
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			a.logger.Warn("Message handler failed", logutil.Fields{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
		}
		if a.js != nil {
			_ = msg.Ack()
		}
	}

	var sub *nats.Subscription
	var err error

	if a.js != nil {
		sub, err = a.js.Subscribe(subject, msgHandler,
			nats.Durable(DurableName(subject)),
			nats.DeliverNew(),
			nats.AckExplicit(),
		)
	} else {
		sub, err = a.conn.Subscribe(subject, msgHandler)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	a.subs[subject] = sub
	return nil
}

// Unsubscribe stops listening to a subject
func (a *Adapter) Unsubscribe(ctx context.Context, subject string) error {
	a.subsMutex.Lock()
	defer a.subsMutex.Unlock()

	sub, exists := a.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", subject, err)
	}

	delete(a.subs, subject)
	return nil
}

// Close drains subscriptions and closes the connection
func (a *Adapter) Close() error {
	a.subsMutex.Lock()
	defer a.subsMutex.Unlock()

	for subject, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("Failed to unsubscribe", logutil.Fields{"subject": subject, "error": err.Error()})
		}
	}
	a.subs = make(map[string]*nats.Subscription)

	if a.conn != nil {
		a.conn.Close()
	}

	return nil
}

// Ping checks messaging connectivity
func (a *Adapter) Ping() error {
	if a.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	if !a.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active")
	}

	rtt, err := a.conn.RTT()
	if err != nil {
		return fmt.Errorf("failed to get RTT: %w", err)
	}

	if rtt > constants.MessagingTimeout {
		return fmt.Errorf("high latency detected: %v", rtt)
	}

	return nil
}

// GetConnectionStatus returns detailed connection information
func (a *Adapter) GetConnectionStatus() map[string]interface{} {
	status := make(map[string]interface{})

	if a.conn == nil {
		status["connected"] = false
		status["error"] = "connection is nil"
		return status
	}

	status["connected"] = a.conn.IsConnected()
	status["url"] = a.conn.ConnectedUrl()
	status["server_id"] = a.conn.ConnectedServerId()

	stats := a.conn.Stats()
	status["messages_in"] = stats.InMsgs
	status["messages_out"] = stats.OutMsgs
	status["reconnects"] = stats.Reconnects
	status["jetstream_enabled"] = a.js != nil

	a.subsMutex.RLock()
	status["active_subscriptions"] = len(a.subs)
	a.subsMutex.RUnlock()

	return status
}

// DurableName converts a subject pattern to a valid durable consumer name
func DurableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "star", ">", "gt")
	return constants.ServiceName + "_" + r.Replace(subject)
}
