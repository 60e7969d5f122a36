package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/username/chatstate/internal/domain/entities"
)

// Tokenizer provides token counting functionality
type Tokenizer struct {
	encoding     *tiktoken.Tiktoken
	encodingName string
}

// EncodingForModel maps a model name to its tiktoken encoding
func EncodingForModel(model string) string {
	switch {
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "o1"), strings.Contains(model, "o3"):
		return "o200k_base"
	case strings.Contains(model, "gpt-4"), strings.Contains(model, "gpt-3.5"):
		return "cl100k_base"
	case strings.Contains(model, "gpt-3"):
		return "p50k_base"
	default:
		// Unknown and local models get the GPT-4 encoding as an approximation
		return "cl100k_base"
	}
}

// NewTokenizer creates a new tokenizer for the given model
func NewTokenizer(model string) (*Tokenizer, error) {
	encodingName := EncodingForModel(model)

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}

	return &Tokenizer{
		encoding:     encoding,
		encodingName: encodingName,
	}, nil
}

// Encoding returns the name of the encoding in use
func (t *Tokenizer) Encoding() string {
	return t.encodingName
}

// CountTokens counts tokens in a text string
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	return len(t.encoding.Encode(text, nil, nil))
}

// CountMessageTokens counts tokens in a message, including role and formatting overhead
func (t *Tokenizer) CountMessageTokens(message entities.Message) int {
	// Chat formats add roughly 4 tokens per message
	return t.CountTokens(message.Text) + t.CountTokens(string(message.Role)) + 4
}

// CountConversationTokens counts total tokens in a message history
func (t *Tokenizer) CountConversationTokens(messages []entities.Message) int {
	total := 0
	for _, message := range messages {
		total += t.CountMessageTokens(message)
	}
	// Reply priming
	return total + 2
}

// TrimHistory drops the oldest messages until the rest fit within maxTokens.
// A non-positive limit keeps everything.
func (t *Tokenizer) TrimHistory(messages []entities.Message, maxTokens int) []entities.Message {
	if maxTokens <= 0 {
		return messages
	}

	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		n := t.CountMessageTokens(messages[i])
		if total+n > maxTokens {
			break
		}
		total += n
		start = i
	}
	return messages[start:]
}
