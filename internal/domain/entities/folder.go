package entities

import (
	"time"
)

// Folder groups conversations. Folders do not nest; their order in the
// folder list is the only ordering they have.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFolder creates a folder with the given, already trimmed, name
func NewFolder(name string) Folder {
	return Folder{
		ID:        generateID(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// Rename updates the folder name
func (f *Folder) Rename(name string) {
	f.Name = name
}
