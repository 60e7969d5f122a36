package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/pkg/logutil"
)

var (
	// ErrNotFound is returned for operations on ids the store does not hold
	ErrNotFound = errors.New("not found")

	// ErrInvalidOperation is returned for requests the model forbids, such
	// as deleting the anchor message or renaming to a blank title
	ErrInvalidOperation = errors.New("invalid operation")
)

// Length limits on user-supplied text, in runes
const (
	MaxFolderNameLength        = 100
	MaxConversationTitleLength = 200
	MaxMessageTextLength       = 10000
)

func checkLength(what, value string, limit int) error {
	if n := utf8.RuneCountInString(value); n > limit {
		return fmt.Errorf("%w: %s is %d characters, the limit is %d", ErrInvalidOperation, what, n, limit)
	}
	return nil
}

// SnapshotSink receives every committed snapshot. Persist must not block.
type SnapshotSink interface {
	Persist(snapshot entities.Snapshot)
}

// ChangeKind names a committed store mutation
type ChangeKind string

const (
	ChangeConversationCreated ChangeKind = "conversation.created"
	ChangeConversationRenamed ChangeKind = "conversation.renamed"
	ChangeConversationDeleted ChangeKind = "conversation.deleted"
	ChangeConversationMoved   ChangeKind = "conversation.moved"
	ChangeMessageAppended     ChangeKind = "message.appended"
	ChangeMessageDeleted      ChangeKind = "message.deleted"
	ChangeSelectionChanged    ChangeKind = "selection.changed"
	ChangeFolderCreated       ChangeKind = "folder.created"
	ChangeFolderRenamed       ChangeKind = "folder.renamed"
	ChangeFolderDeleted       ChangeKind = "folder.deleted"
	ChangeFolderSelected      ChangeKind = "folder.selected"
	ChangeFoldersReordered    ChangeKind = "folders.reordered"
)

// Change describes one mutation. Index is the message index for message
// changes and -1 otherwise.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id,omitempty"`
	FolderID       string     `json:"folder_id,omitempty"`
	Index          int        `json:"index"`
}

// ChangeListener is called synchronously after a mutation is committed
type ChangeListener func(change Change)

// ConversationStore is the authoritative in-memory model of one workspace.
// Every mutation derives a new snapshot, hands it to the sink and then
// notifies listeners.
type ConversationStore struct {
	mu       sync.RWMutex
	snapshot entities.Snapshot
	greeting string
	sink     SnapshotSink
	logger   *logutil.Logger

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// NewConversationStore creates a store seeded with initial. An initial
// snapshot that breaks the store invariants is replaced by a fresh one.
func NewConversationStore(initial entities.Snapshot, greeting string, sink SnapshotSink, logger *logutil.Logger) *ConversationStore {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	if err := initial.Validate(); err != nil {
		logger.Warn("Discarding invalid initial snapshot", logutil.Fields{"error": err.Error()})
		initial = entities.NewSnapshot(greeting)
	}
	return &ConversationStore{
		snapshot: initial,
		greeting: greeting,
		sink:     sink,
		logger:   logger,
	}
}

// OnChange registers a listener for committed mutations
func (s *ConversationStore) OnChange(listener ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Greeting returns the text seeded into new conversations
func (s *ConversationStore) Greeting() string {
	if s.greeting == "" {
		return entities.DefaultGreeting
	}
	return s.greeting
}

// mutate runs fn on a private copy of the snapshot and commits it when fn
// succeeds and the result is valid. fn returning no changes commits nothing.
func (s *ConversationStore) mutate(fn func(next *entities.Snapshot) ([]Change, error)) error {
	s.mu.Lock()
	next := s.snapshot.Clone()
	changes, err := fn(&next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		s.logger.Error("Rejected mutation that breaks store invariants", logutil.Fields{
			"change": string(changes[0].Kind),
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	s.snapshot = next
	if s.sink != nil {
		s.sink.Persist(next)
	}
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *ConversationStore) notify(changes []Change) {
	s.listenersMu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, change := range changes {
		for _, l := range listeners {
			l(change)
		}
	}
}

func conversationChange(kind ChangeKind, id string) Change {
	return Change{Kind: kind, ConversationID: id, Index: -1}
}

func folderChange(kind ChangeKind, id string) Change {
	return Change{Kind: kind, FolderID: id, Index: -1}
}

func notFoundConversation(id string) error {
	return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
}

func notFoundFolder(id string) error {
	return fmt.Errorf("folder %s: %w", id, ErrNotFound)
}

// CreateConversation adds a greeting-seeded conversation at the top of the
// root list and selects it
func (s *ConversationStore) CreateConversation() string {
	conv := entities.NewConversation(s.greeting)
	_ = s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		convs := make([]entities.Conversation, 0, len(next.Conversations)+1)
		convs = append(convs, conv)
		next.Conversations = append(convs, next.Conversations...)
		next.CurrentID = conv.ID
		return []Change{
			conversationChange(ChangeConversationCreated, conv.ID),
			conversationChange(ChangeSelectionChanged, conv.ID),
		}, nil
	})
	return conv.ID
}

// SelectConversation makes id the current conversation
func (s *ConversationStore) SelectConversation(id string) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		if next.ConversationIndex(id) < 0 {
			return nil, notFoundConversation(id)
		}
		if next.CurrentID == id {
			return nil, nil
		}
		next.CurrentID = id
		return []Change{conversationChange(ChangeSelectionChanged, id)}, nil
	})
}

// SelectFolder marks a folder as selected; an empty id clears the selection
func (s *ConversationStore) SelectFolder(id string) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		if id != "" && next.FolderIndex(id) < 0 {
			return nil, notFoundFolder(id)
		}
		if next.SelectedFolderID == id {
			return nil, nil
		}
		next.SelectedFolderID = id
		return []Change{folderChange(ChangeFolderSelected, id)}, nil
	})
}

// AppendMessage adds a message to a conversation. The first user message
// names the conversation unless it was renamed explicitly.
func (s *ConversationStore) AppendMessage(conversationID string, message entities.Message) (int, error) {
	index := -1
	err := s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		if !message.Role.IsValid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidOperation, message.Role)
		}
		i := next.ConversationIndex(conversationID)
		if i < 0 {
			return nil, notFoundConversation(conversationID)
		}
		conv := next.Conversations[i]
		conv.AppendMessage(message)
		next.Conversations[i] = conv
		index = len(conv.Messages) - 1
		return []Change{{Kind: ChangeMessageAppended, ConversationID: conversationID, Index: index}}, nil
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

// DeleteMessage removes one message. Index 0 is the conversation's anchor
// and cannot be deleted.
func (s *ConversationStore) DeleteMessage(conversationID string, index int) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		i := next.ConversationIndex(conversationID)
		if i < 0 {
			return nil, notFoundConversation(conversationID)
		}
		if index == 0 {
			return nil, fmt.Errorf("%w: the first message cannot be deleted", ErrInvalidOperation)
		}
		conv := next.Conversations[i]
		if !conv.DeleteMessage(index) {
			return nil, fmt.Errorf("%w: message index %d out of range", ErrInvalidOperation, index)
		}
		next.Conversations[i] = conv
		return []Change{{Kind: ChangeMessageDeleted, ConversationID: conversationID, Index: index}}, nil
	})
}

// RenameConversation sets an explicit title that auto-titling never overrides
func (s *ConversationStore) RenameConversation(id, title string) error {
	title = strings.TrimSpace(title)
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		i := next.ConversationIndex(id)
		if i < 0 {
			return nil, notFoundConversation(id)
		}
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidOperation)
		}
		if err := checkLength("title", title, MaxConversationTitleLength); err != nil {
			return nil, err
		}
		conv := next.Conversations[i]
		conv.Rename(title)
		next.Conversations[i] = conv
		return []Change{conversationChange(ChangeConversationRenamed, id)}, nil
	})
}

// DeleteConversation removes a conversation. When it was selected the first
// remaining conversation is selected; when none remain a fresh one is made.
func (s *ConversationStore) DeleteConversation(id string) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		i := next.ConversationIndex(id)
		if i < 0 {
			return nil, notFoundConversation(id)
		}
		convs := make([]entities.Conversation, 0, len(next.Conversations))
		convs = append(convs, next.Conversations[:i]...)
		convs = append(convs, next.Conversations[i+1:]...)
		next.Conversations = convs

		changes := []Change{conversationChange(ChangeConversationDeleted, id)}
		if len(next.Conversations) == 0 {
			fresh := entities.NewConversation(s.greeting)
			next.Conversations = []entities.Conversation{fresh}
			changes = append(changes, conversationChange(ChangeConversationCreated, fresh.ID))
		}
		if next.CurrentID == id {
			next.CurrentID = next.Conversations[0].ID
			changes = append(changes, conversationChange(ChangeSelectionChanged, next.CurrentID))
		}
		return changes, nil
	})
}

// CreateFolder appends a folder to the folder list
func (s *ConversationStore) CreateFolder(name string) (string, error) {
	return s.CreateFolderWith(name, "")
}

// CreateFolderWith creates a folder and, when conversationID is set, files
// that conversation into it in the same mutation
func (s *ConversationStore) CreateFolderWith(name, conversationID string) (string, error) {
	name = strings.TrimSpace(name)
	folder := entities.NewFolder(name)

	err := s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		if name == "" {
			return nil, fmt.Errorf("%w: folder name cannot be empty", ErrInvalidOperation)
		}
		if err := checkLength("folder name", name, MaxFolderNameLength); err != nil {
			return nil, err
		}
		ci := -1
		if conversationID != "" {
			if ci = next.ConversationIndex(conversationID); ci < 0 {
				return nil, notFoundConversation(conversationID)
			}
		}

		folders := make([]entities.Folder, 0, len(next.Folders)+1)
		folders = append(folders, next.Folders...)
		next.Folders = append(folders, folder)
		changes := []Change{folderChange(ChangeFolderCreated, folder.ID)}

		if ci >= 0 {
			conv := next.Conversations[ci]
			conv.MoveTo(folder.ID)
			next.Conversations[ci] = conv
			changes = append(changes, Change{
				Kind:           ChangeConversationMoved,
				ConversationID: conversationID,
				FolderID:       folder.ID,
				Index:          -1,
			})
		}
		return changes, nil
	})
	if err != nil {
		return "", err
	}
	return folder.ID, nil
}

// RenameFolder changes a folder's name
func (s *ConversationStore) RenameFolder(id, name string) error {
	name = strings.TrimSpace(name)
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		i := next.FolderIndex(id)
		if i < 0 {
			return nil, notFoundFolder(id)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: folder name cannot be empty", ErrInvalidOperation)
		}
		if err := checkLength("folder name", name, MaxFolderNameLength); err != nil {
			return nil, err
		}
		next.Folders[i].Rename(name)
		return []Change{folderChange(ChangeFolderRenamed, id)}, nil
	})
}

// DeleteFolder removes a folder and moves its conversations to root in the
// same mutation. A selected folder falls back to the first remaining one.
func (s *ConversationStore) DeleteFolder(id string) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		i := next.FolderIndex(id)
		if i < 0 {
			return nil, notFoundFolder(id)
		}
		folders := make([]entities.Folder, 0, len(next.Folders))
		folders = append(folders, next.Folders[:i]...)
		folders = append(folders, next.Folders[i+1:]...)
		next.Folders = folders

		for ci := range next.Conversations {
			if next.Conversations[ci].FolderID == id {
				conv := next.Conversations[ci]
				conv.MoveTo("")
				next.Conversations[ci] = conv
			}
		}

		if next.SelectedFolderID == id {
			next.SelectedFolderID = ""
			if len(next.Folders) > 0 {
				next.SelectedFolderID = next.Folders[0].ID
			}
		}
		return []Change{folderChange(ChangeFolderDeleted, id)}, nil
	})
}

// MoveConversation files a conversation into a folder, or back to root when
// folderID is empty. The conversation becomes the last of its new list.
func (s *ConversationStore) MoveConversation(id, folderID string) error {
	return s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		conv, ok := next.Conversation(id)
		if !ok {
			return nil, notFoundConversation(id)
		}
		if folderID != "" && next.FolderIndex(folderID) < 0 {
			return nil, notFoundFolder(folderID)
		}
		if conv.FolderID == folderID {
			return nil, nil
		}
		moved, err := ApplyInstruction(*next, Instruction{
			Kind:     DragConversation,
			ID:       id,
			FolderID: folderID,
			Position: len(next.ListIDs(folderID)),
		})
		if err != nil {
			return nil, err
		}
		*next = moved
		return []Change{{Kind: ChangeConversationMoved, ConversationID: id, FolderID: folderID, Index: -1}}, nil
	})
}

// Reorder applies a drag and drop gesture. Self-drops and drops that leave
// the order unchanged return ErrSelfDrop or ErrNoOp and commit nothing.
func (s *ConversationStore) Reorder(source DragSource, target DropTarget, pointer float64) (Instruction, error) {
	var applied Instruction
	err := s.mutate(func(next *entities.Snapshot) ([]Change, error) {
		in, err := ComputeReorder(*next, source, target, pointer)
		if err != nil {
			return nil, err
		}
		moved, err := ApplyInstruction(*next, in)
		if err != nil {
			return nil, err
		}
		*next = moved
		applied = in

		if in.Kind == DragFolder {
			return []Change{folderChange(ChangeFoldersReordered, in.ID)}, nil
		}
		return []Change{{Kind: ChangeConversationMoved, ConversationID: in.ID, FolderID: in.FolderID, Index: -1}}, nil
	})
	if err != nil {
		return Instruction{}, err
	}
	return applied, nil
}

// Snapshot returns the current committed snapshot
func (s *ConversationStore) Snapshot() entities.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Conversation returns one conversation by id
func (s *ConversationStore) Conversation(id string) (entities.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.snapshot.Conversation(id)
	if !ok {
		return entities.Conversation{}, notFoundConversation(id)
	}
	return conv, nil
}

// Current returns the selected conversation
func (s *ConversationStore) Current() entities.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, _ := s.snapshot.Current()
	return conv
}

// RootConversations returns the conversations not filed in any folder
func (s *ConversationStore) RootConversations() []entities.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.ListConversations("")
}

// FolderConversations returns the conversations filed in one folder
func (s *ConversationStore) FolderConversations(folderID string) ([]entities.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot.FolderIndex(folderID) < 0 {
		return nil, notFoundFolder(folderID)
	}
	return s.snapshot.ListConversations(folderID), nil
}

// Folders returns the folder list in display order
func (s *ConversationStore) Folders() []entities.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entities.Folder, len(s.snapshot.Folders))
	copy(out, s.snapshot.Folders)
	return out
}

// SearchConversations returns conversations whose title contains query,
// ignoring case. A blank query matches nothing.
func (s *ConversationStore) SearchConversations(query string) []entities.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]entities.Conversation, 0)
	if q == "" {
		return out
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.snapshot.Conversations {
		if strings.Contains(strings.ToLower(c.Title), q) {
			out = append(out, c)
		}
	}
	return out
}
