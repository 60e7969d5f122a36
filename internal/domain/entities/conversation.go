package entities

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is used until the first user message names the conversation
	DefaultTitle = "New chat"

	// DefaultGreeting seeds every new text conversation
	DefaultGreeting = "Hello! How can I help you?"

	// VoiceGreeting seeds every new voice conversation
	VoiceGreeting = "Hello! Speak to me and I will listen and answer."

	// TitleMaxRunes is the length at which auto titles are cut
	TitleMaxRunes = 18

	titleEllipsis = "…"
)

// Conversation represents a chat conversation
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TitleLocked bool      `json:"title_locked"` // set by an explicit rename
	Messages    []Message `json:"messages"`
	FolderID    string    `json:"folder_id,omitempty"` // empty means root
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewConversation creates a conversation seeded with a single bot greeting
func NewConversation(greeting string) Conversation {
	now := time.Now()
	if greeting == "" {
		greeting = DefaultGreeting
	}
	greet := NewMessage(RoleBot, greeting)
	greet.CreatedAt = now
	return Conversation{
		ID:        generateID(),
		Title:     DefaultTitle,
		Messages:  []Message{greet},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage adds a message at the end of the conversation.
// The message slice is copied so snapshots sharing the old slice stay intact.
func (c *Conversation) AppendMessage(message Message) {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	firstUser := message.IsFromUser() && !c.hasUserMessage()

	msgs := make([]Message, len(c.Messages), len(c.Messages)+1)
	copy(msgs, c.Messages)
	c.Messages = append(msgs, message)

	if firstUser && !c.TitleLocked {
		c.Title = SummarizeTitle(c.Messages)
	}
	c.UpdatedAt = time.Now()
}

// DeleteMessage removes the message at index, shifting later messages down.
// The caller is responsible for refusing the anchor index.
func (c *Conversation) DeleteMessage(index int) bool {
	if index < 0 || index >= len(c.Messages) {
		return false
	}
	msgs := make([]Message, 0, len(c.Messages)-1)
	msgs = append(msgs, c.Messages[:index]...)
	msgs = append(msgs, c.Messages[index+1:]...)
	c.Messages = msgs
	c.UpdatedAt = time.Now()
	return true
}

// Rename sets an explicit title, which permanently wins over auto titles
func (c *Conversation) Rename(title string) {
	c.Title = title
	c.TitleLocked = true
	c.UpdatedAt = time.Now()
}

// MoveTo files the conversation in a folder, or at root when folderID is empty
func (c *Conversation) MoveTo(folderID string) {
	c.FolderID = folderID
	c.UpdatedAt = time.Now()
}

func (c *Conversation) hasUserMessage() bool {
	for _, m := range c.Messages {
		if m.IsFromUser() {
			return true
		}
	}
	return false
}

// IsAtRoot returns true if the conversation is not filed in any folder
func (c *Conversation) IsAtRoot() bool {
	return c.FolderID == ""
}

// MessageCount returns the number of messages in the conversation
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// LastBotMessage returns the index of the last bot message with text, or -1
func (c *Conversation) LastBotMessage() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsFromBot() && c.Messages[i].HasText() {
			return i
		}
	}
	return -1
}

// SummarizeTitle derives a title from the first user message.
// Text longer than TitleMaxRunes is cut and suffixed with an ellipsis.
func SummarizeTitle(messages []Message) string {
	for _, m := range messages {
		if !m.IsFromUser() {
			continue
		}
		t := strings.TrimSpace(m.Text)
		if t == "" {
			return DefaultTitle
		}
		if utf8.RuneCountInString(t) > TitleMaxRunes {
			return string([]rune(t)[:TitleMaxRunes]) + titleEllipsis
		}
		return t
	}
	return DefaultTitle
}
