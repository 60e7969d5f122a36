package services

import (
	"io"
	"sync"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/pkg/logutil"
)

func quietLogger() *logutil.Logger {
	return logutil.NewLoggerTo(logutil.LogConfig{Level: logutil.ERROR, Format: "text", ServiceName: "test"}, io.Discard)
}

func testConversation(id, folderID string) entities.Conversation {
	c := entities.NewConversation(entities.DefaultGreeting)
	c.ID = id
	c.FolderID = folderID
	return c
}

// fixtureSnapshot holds root a, b, c; folder f1 with x, y; folder f2 with z;
// and an empty folder f3. Root and folder members are interleaved in the
// global order.
func fixtureSnapshot() entities.Snapshot {
	return entities.Snapshot{
		Conversations: []entities.Conversation{
			testConversation("a", ""),
			testConversation("x", "f1"),
			testConversation("b", ""),
			testConversation("y", "f1"),
			testConversation("c", ""),
			testConversation("z", "f2"),
		},
		Folders: []entities.Folder{
			{ID: "f1", Name: "one"},
			{ID: "f2", Name: "two"},
			{ID: "f3", Name: "three"},
		},
		CurrentID: "a",
	}
}

func folderIDs(s entities.Snapshot) []string {
	ids := make([]string, 0, len(s.Folders))
	for _, f := range s.Folders {
		ids = append(ids, f.ID)
	}
	return ids
}

// countingSink records every snapshot the store commits
type countingSink struct {
	mu        sync.Mutex
	snapshots []entities.Snapshot
}

var _ SnapshotSink = (*countingSink)(nil)

func (s *countingSink) Persist(snapshot entities.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
}

func (s *countingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *countingSink) Last() entities.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[len(s.snapshots)-1]
}
