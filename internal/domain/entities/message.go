package entities

import (
	"strings"
	"time"
)

// MessageRole represents the author of a message in a conversation
type MessageRole string

const (
	RoleUser MessageRole = "user"
	RoleBot  MessageRole = "bot"
)

// IsValid reports whether the role is one the store accepts
func (r MessageRole) IsValid() bool {
	return r == RoleUser || r == RoleBot
}

// Message represents a single message in a conversation.
// Messages carry no id of their own; they are addressed by index.
type Message struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage creates a message stamped with the current time
func NewMessage(role MessageRole, text string) Message {
	return Message{
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// IsFromUser returns true if the message was written by the user
func (m Message) IsFromUser() bool {
	return m.Role == RoleUser
}

// IsFromBot returns true if the message was produced by the bot
func (m Message) IsFromBot() bool {
	return m.Role == RoleBot
}

// HasText returns true if the message has non-blank text
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}
