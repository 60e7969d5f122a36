package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/username/chatstate/internal/domain/entities"
)

// CurrentVersion is the schema version written by Encode
const CurrentVersion = 2

const untitledFolder = "Untitled folder"

var (
	// ErrUnrecognized is returned when a blob matches none of the known schemas
	ErrUnrecognized = errors.New("unrecognized snapshot shape")

	// ErrUnsupportedVersion is returned for envelopes newer than this build
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Report describes how a blob was decoded
type Report struct {
	Schema  string   `json:"schema"`
	Repairs []string `json:"repairs,omitempty"`
}

// schema is one recognised historical shape with its migration into the
// canonical envelope. Schemas are tried in order; the first match wins.
type schema struct {
	name    string
	detect  func(p shape) bool
	migrate func(data []byte) (envelope, error)
}

var schemas = []schema{
	{
		name:   "v2",
		detect: func(p shape) bool { return p.object && p.has("version") },
		migrate: func(data []byte) (envelope, error) {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return envelope{}, err
			}
			if env.Version > CurrentVersion || env.Version < 1 {
				return envelope{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
			}
			return env, nil
		},
	},
	{
		name:   "v1",
		detect: func(p shape) bool { return p.object && p.isArray("conversations") },
		migrate: func(data []byte) (envelope, error) {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return envelope{}, err
			}
			env.Version = 1
			return env, nil
		},
	},
	{
		name:   "v0",
		detect: func(p shape) bool { return p.array },
		migrate: func(data []byte) (envelope, error) {
			var convs []conversationRecord
			if err := json.Unmarshal(data, &convs); err != nil {
				return envelope{}, err
			}
			env := envelope{Conversations: convs}
			if len(convs) > 0 {
				env.CurrentID = convs[0].ID
			}
			return env, nil
		},
	},
}

// shape is the result of sniffing the top level of a blob
type shape struct {
	object bool
	array  bool
	fields map[string]json.RawMessage
}

func (p shape) has(field string) bool {
	_, ok := p.fields[field]
	return ok
}

func (p shape) isArray(field string) bool {
	raw, ok := p.fields[field]
	return ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("["))
}

func sniff(data []byte) (shape, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return shape{}, ErrUnrecognized
	}
	switch trimmed[0] {
	case '[':
		return shape{array: true}, nil
	case '{':
		fields := make(map[string]json.RawMessage)
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return shape{}, fmt.Errorf("failed to parse snapshot object: %w", err)
		}
		return shape{object: true, fields: fields}, nil
	default:
		return shape{}, ErrUnrecognized
	}
}

// Decode parses a stored blob of any known schema into a canonical snapshot.
// Invariant violations found in stored data are repaired and listed in the
// report. greeting seeds a conversation when the blob holds none.
func Decode(data []byte, greeting string) (entities.Snapshot, Report, error) {
	p, err := sniff(data)
	if err != nil {
		return entities.Snapshot{}, Report{}, err
	}

	for _, s := range schemas {
		if !s.detect(p) {
			continue
		}
		env, err := s.migrate(data)
		if err != nil {
			return entities.Snapshot{}, Report{Schema: s.name}, fmt.Errorf("failed to decode %s snapshot: %w", s.name, err)
		}
		snapshot, repairs := env.toSnapshot(greeting)
		return snapshot, Report{Schema: s.name, Repairs: repairs}, nil
	}

	return entities.Snapshot{}, Report{}, ErrUnrecognized
}

// Encode serializes a snapshot in the current schema
func Encode(snapshot entities.Snapshot) ([]byte, error) {
	env := envelope{
		Version:          CurrentVersion,
		Conversations:    make([]conversationRecord, 0, len(snapshot.Conversations)),
		Folders:          make([]folderRecord, 0, len(snapshot.Folders)),
		CurrentID:        flexID(snapshot.CurrentID),
		SelectedFolderID: flexID(snapshot.SelectedFolderID),
	}
	for _, f := range snapshot.Folders {
		env.Folders = append(env.Folders, folderRecord{
			ID:        flexID(f.ID),
			Name:      f.Name,
			CreatedAt: flexTime{f.CreatedAt},
		})
	}
	for _, c := range snapshot.Conversations {
		rec := conversationRecord{
			ID:          flexID(c.ID),
			Title:       c.Title,
			TitleLocked: c.TitleLocked,
			FolderID:    flexID(c.FolderID),
			CreatedAt:   flexTime{c.CreatedAt},
			UpdatedAt:   flexTime{c.UpdatedAt},
			Messages:    make([]messageRecord, 0, len(c.Messages)),
		}
		for _, m := range c.Messages {
			rec.Messages = append(rec.Messages, messageRecord{
				Role:      string(m.Role),
				Text:      m.Text,
				CreatedAt: flexTime{m.CreatedAt},
			})
		}
		env.Conversations = append(env.Conversations, rec)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// envelope is the canonical wire form. Field names follow the stored shape.
type envelope struct {
	Version          int                  `json:"version,omitempty"`
	Conversations    []conversationRecord `json:"conversations"`
	Folders          []folderRecord       `json:"folders"`
	CurrentID        flexID               `json:"currentId"`
	SelectedFolderID flexID               `json:"selectedFolderId,omitempty"`
}

type conversationRecord struct {
	ID          flexID          `json:"id"`
	Title       string          `json:"title"`
	TitleLocked bool            `json:"titleLocked,omitempty"`
	CreatedAt   flexTime        `json:"createdAt"`
	UpdatedAt   flexTime        `json:"updatedAt"`
	Messages    []messageRecord `json:"messages"`
	FolderID    flexID          `json:"folderId"`
}

type messageRecord struct {
	Role      string   `json:"role"`
	Text      string   `json:"text"`
	CreatedAt flexTime `json:"createdAt"`
}

type folderRecord struct {
	ID        flexID   `json:"id"`
	Name      string   `json:"name"`
	CreatedAt flexTime `json:"createdAt"`
}

func (env envelope) toSnapshot(greeting string) (entities.Snapshot, []string) {
	var repairs []string
	now := time.Now().UTC()

	snapshot := entities.Snapshot{
		Conversations: make([]entities.Conversation, 0, len(env.Conversations)),
		Folders:       make([]entities.Folder, 0, len(env.Folders)),
	}

	folderIDs := make(map[string]bool, len(env.Folders))
	for _, rec := range env.Folders {
		id := string(rec.ID)
		if id == "" {
			id = entities.NewID()
			repairs = append(repairs, "assigned id to folder without one")
		}
		if folderIDs[id] {
			repairs = append(repairs, fmt.Sprintf("dropped duplicate folder %s", id))
			continue
		}
		folderIDs[id] = true

		name := strings.TrimSpace(rec.Name)
		if name == "" {
			name = untitledFolder
			repairs = append(repairs, fmt.Sprintf("named unnamed folder %s", id))
		}
		snapshot.Folders = append(snapshot.Folders, entities.Folder{
			ID:        id,
			Name:      name,
			CreatedAt: rec.CreatedAt.orDefault(now),
		})
	}

	convIDs := make(map[string]bool, len(env.Conversations))
	for _, rec := range env.Conversations {
		id := string(rec.ID)
		if id == "" {
			id = entities.NewID()
			repairs = append(repairs, "assigned id to conversation without one")
		}
		if convIDs[id] {
			repairs = append(repairs, fmt.Sprintf("dropped duplicate conversation %s", id))
			continue
		}
		convIDs[id] = true

		createdAt := rec.CreatedAt.orDefault(now)
		conv := entities.Conversation{
			ID:          id,
			Title:       rec.Title,
			TitleLocked: rec.TitleLocked,
			FolderID:    string(rec.FolderID),
			CreatedAt:   createdAt,
			UpdatedAt:   rec.UpdatedAt.orDefault(createdAt),
			Messages:    make([]entities.Message, 0, len(rec.Messages)),
		}
		if conv.FolderID != "" && !folderIDs[conv.FolderID] {
			repairs = append(repairs, fmt.Sprintf("moved conversation %s out of missing folder %s", id, conv.FolderID))
			conv.FolderID = ""
		}
		for _, m := range rec.Messages {
			role := entities.MessageRole(m.Role)
			if !role.IsValid() {
				role = entities.RoleBot
			}
			conv.Messages = append(conv.Messages, entities.Message{
				Role:      role,
				Text:      m.Text,
				CreatedAt: m.CreatedAt.orDefault(createdAt),
			})
		}
		if strings.TrimSpace(conv.Title) == "" {
			conv.Title = entities.SummarizeTitle(conv.Messages)
		}
		snapshot.Conversations = append(snapshot.Conversations, conv)
	}

	if len(snapshot.Conversations) == 0 {
		seed := entities.NewConversation(greeting)
		snapshot.Conversations = append(snapshot.Conversations, seed)
		repairs = append(repairs, "seeded empty snapshot")
	}

	snapshot.CurrentID = string(env.CurrentID)
	if !convIDs[snapshot.CurrentID] {
		if snapshot.CurrentID != "" {
			repairs = append(repairs, fmt.Sprintf("reset missing current conversation %s", snapshot.CurrentID))
		}
		snapshot.CurrentID = snapshot.Conversations[0].ID
	}

	snapshot.SelectedFolderID = string(env.SelectedFolderID)
	if snapshot.SelectedFolderID != "" && !folderIDs[snapshot.SelectedFolderID] {
		repairs = append(repairs, fmt.Sprintf("cleared missing selected folder %s", snapshot.SelectedFolderID))
		snapshot.SelectedFolderID = ""
	}

	return snapshot, repairs
}

// flexID accepts ids stored as strings or numbers. Older blobs used
// Date.now() numbers as ids.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(b), err)
	}
	*id = flexID(n.String())
	return nil
}

func (id flexID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

// flexTime accepts epoch milliseconds (number or numeric string) or RFC 3339
// text, and always writes epoch milliseconds. Unparseable values decode as
// the zero time and are repaired by the caller.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	t.Time = time.Time{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC().Truncate(time.Millisecond)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		t.Time = time.UnixMilli(int64(f)).UTC()
	}
	return nil
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func (t flexTime) orDefault(fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.Time
}
