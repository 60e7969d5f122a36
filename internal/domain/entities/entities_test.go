package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		expected string
	}{
		{
			name:     "no_user_message",
			messages: []Message{{Role: RoleBot, Text: "hi"}},
			expected: DefaultTitle,
		},
		{
			name:     "blank_user_message",
			messages: []Message{{Role: RoleUser, Text: "   "}},
			expected: DefaultTitle,
		},
		{
			name:     "short_text_is_trimmed",
			messages: []Message{{Role: RoleBot, Text: "hi"}, {Role: RoleUser, Text: "  weather today  "}},
			expected: "weather today",
		},
		{
			name:     "exactly_eighteen_runes",
			messages: []Message{{Role: RoleUser, Text: "123456789012345678"}},
			expected: "123456789012345678",
		},
		{
			name:     "long_text_is_cut",
			messages: []Message{{Role: RoleUser, Text: "1234567890123456789"}},
			expected: "123456789012345678…",
		},
		{
			name:     "multibyte_text_counts_runes",
			messages: []Message{{Role: RoleUser, Text: "안녕하세요 오늘 날씨가 어떤지 알려주세요"}},
			expected: "안녕하세요 오늘 날씨가 어떤지 알…",
		},
		{
			name:     "first_user_message_wins",
			messages: []Message{{Role: RoleUser, Text: "first"}, {Role: RoleUser, Text: "second"}},
			expected: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SummarizeTitle(tt.messages))
		})
	}
}

func TestConversation_AppendMessageTitles(t *testing.T) {
	conv := NewConversation("")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, DefaultTitle, conv.Title)
	assert.Equal(t, DefaultGreeting, conv.Messages[0].Text)

	conv.AppendMessage(NewMessage(RoleUser, "plan a trip"))
	assert.Equal(t, "plan a trip", conv.Title)

	conv.AppendMessage(NewMessage(RoleUser, "something else"))
	assert.Equal(t, "plan a trip", conv.Title, "only the first user message names the conversation")

	conv.Rename("Trips")
	conv.AppendMessage(NewMessage(RoleUser, "more"))
	assert.Equal(t, "Trips", conv.Title)
	assert.True(t, conv.TitleLocked)
}

func TestConversation_RenameBeforeFirstUserMessage(t *testing.T) {
	conv := NewConversation("")
	conv.Rename("Mine")
	conv.AppendMessage(NewMessage(RoleUser, "hello there"))
	assert.Equal(t, "Mine", conv.Title)
}

func TestConversation_CopyOnWrite(t *testing.T) {
	conv := NewConversation("")
	conv.AppendMessage(NewMessage(RoleUser, "a"))
	before := conv
	conv.AppendMessage(NewMessage(RoleBot, "b"))
	conv.DeleteMessage(1)

	assert.Len(t, before.Messages, 2)
	assert.Equal(t, "a", before.Messages[1].Text)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, "b", conv.Messages[1].Text)
}

func TestConversation_DeleteMessageRange(t *testing.T) {
	conv := NewConversation("")
	assert.False(t, conv.DeleteMessage(-1))
	assert.False(t, conv.DeleteMessage(1))
	assert.True(t, conv.DeleteMessage(0))
	assert.Empty(t, conv.Messages)
}

func TestConversation_LastBotMessage(t *testing.T) {
	conv := NewConversation("")
	conv.AppendMessage(NewMessage(RoleUser, "q"))
	conv.AppendMessage(NewMessage(RoleBot, "answer"))
	conv.AppendMessage(NewMessage(RoleBot, "  "))
	conv.AppendMessage(NewMessage(RoleUser, "q2"))
	assert.Equal(t, 2, conv.LastBotMessage())

	empty := Conversation{}
	assert.Equal(t, -1, empty.LastBotMessage())
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := generateID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSnapshot_Validate(t *testing.T) {
	fresh := NewSnapshot("")
	require.NoError(t, fresh.Validate())

	folder := NewFolder("work")
	conv := NewConversation("")
	conv.FolderID = folder.ID

	tests := []struct {
		name    string
		mutate  func(s *Snapshot)
		wantErr bool
	}{
		{
			name: "folder_reference_ok",
			mutate: func(s *Snapshot) {
				s.Folders = append(s.Folders, folder)
				s.Conversations = append(s.Conversations, conv)
			},
		},
		{
			name:    "dangling_folder",
			mutate:  func(s *Snapshot) { s.Conversations = append(s.Conversations, conv) },
			wantErr: true,
		},
		{
			name:    "duplicate_conversation",
			mutate:  func(s *Snapshot) { s.Conversations = append(s.Conversations, s.Conversations[0]) },
			wantErr: true,
		},
		{
			name:    "missing_current",
			mutate:  func(s *Snapshot) { s.CurrentID = "nope" },
			wantErr: true,
		},
		{
			name:    "empty",
			mutate:  func(s *Snapshot) { s.Conversations = nil },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fresh.Clone()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSnapshot_ListConversations(t *testing.T) {
	s := NewSnapshot("")
	folder := NewFolder("f")
	s.Folders = append(s.Folders, folder)
	a := NewConversation("")
	a.FolderID = folder.ID
	b := NewConversation("")
	s.Conversations = append(s.Conversations, a, b)

	assert.Equal(t, []string{s.Conversations[0].ID, b.ID}, s.ListIDs(""))
	assert.Equal(t, []string{a.ID}, s.ListIDs(folder.ID))
	assert.Len(t, s.ListConversations(folder.ID), 1)
}
