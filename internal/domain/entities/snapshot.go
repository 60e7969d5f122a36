package entities

import (
	"fmt"
)

// Snapshot is the complete persistent state of a workspace at one instant.
// A committed Snapshot is never mutated; the store derives a new one for
// every change.
type Snapshot struct {
	Conversations    []Conversation `json:"conversations"`
	Folders          []Folder       `json:"folders"`
	CurrentID        string         `json:"current_id"`
	SelectedFolderID string         `json:"selected_folder_id,omitempty"`
}

// NewSnapshot returns a fresh state: one greeting conversation, no folders
func NewSnapshot(greeting string) Snapshot {
	conv := NewConversation(greeting)
	return Snapshot{
		Conversations: []Conversation{conv},
		Folders:       []Folder{},
		CurrentID:     conv.ID,
	}
}

// Clone returns a copy whose slices can be modified independently.
// Message slices are shared; Conversation mutators copy them on write.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Conversations:    make([]Conversation, len(s.Conversations)),
		Folders:          make([]Folder, len(s.Folders)),
		CurrentID:        s.CurrentID,
		SelectedFolderID: s.SelectedFolderID,
	}
	copy(out.Conversations, s.Conversations)
	copy(out.Folders, s.Folders)
	return out
}

// ConversationIndex returns the position of a conversation in the global order
func (s Snapshot) ConversationIndex(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// FolderIndex returns the position of a folder in the folder list
func (s Snapshot) FolderIndex(id string) int {
	for i := range s.Folders {
		if s.Folders[i].ID == id {
			return i
		}
	}
	return -1
}

// Conversation looks up a conversation by id
func (s Snapshot) Conversation(id string) (Conversation, bool) {
	if i := s.ConversationIndex(id); i >= 0 {
		return s.Conversations[i], true
	}
	return Conversation{}, false
}

// Current returns the selected conversation
func (s Snapshot) Current() (Conversation, bool) {
	return s.Conversation(s.CurrentID)
}

// ListConversations returns the conversations of one list in display order.
// An empty folderID selects the root list.
func (s Snapshot) ListConversations(folderID string) []Conversation {
	out := make([]Conversation, 0)
	for _, c := range s.Conversations {
		if c.FolderID == folderID {
			out = append(out, c)
		}
	}
	return out
}

// ListIDs returns the ids of one list in display order
func (s Snapshot) ListIDs(folderID string) []string {
	out := make([]string, 0)
	for _, c := range s.Conversations {
		if c.FolderID == folderID {
			out = append(out, c.ID)
		}
	}
	return out
}

// Validate checks the structural invariants every committed snapshot holds
func (s Snapshot) Validate() error {
	if len(s.Conversations) == 0 {
		return fmt.Errorf("snapshot has no conversations")
	}

	folders := make(map[string]bool, len(s.Folders))
	for _, f := range s.Folders {
		if f.ID == "" {
			return fmt.Errorf("folder with empty id")
		}
		if folders[f.ID] {
			return fmt.Errorf("duplicate folder id %s", f.ID)
		}
		folders[f.ID] = true
	}

	seen := make(map[string]bool, len(s.Conversations))
	for _, c := range s.Conversations {
		if c.ID == "" {
			return fmt.Errorf("conversation with empty id")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate conversation id %s", c.ID)
		}
		seen[c.ID] = true
		if c.FolderID != "" && !folders[c.FolderID] {
			return fmt.Errorf("conversation %s references missing folder %s", c.ID, c.FolderID)
		}
	}

	if !seen[s.CurrentID] {
		return fmt.Errorf("current conversation %q does not exist", s.CurrentID)
	}
	if s.SelectedFolderID != "" && !folders[s.SelectedFolderID] {
		return fmt.Errorf("selected folder %q does not exist", s.SelectedFolderID)
	}
	return nil
}
