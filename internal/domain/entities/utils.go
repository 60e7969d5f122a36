package entities

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// generateID creates a unique, time ordered identifier.
// ulid.Monotonic is not safe for concurrent use, hence the mutex.
func generateID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewID exposes the identifier generator to other packages that mint
// entity-scoped ids (for example when repairing duplicated ids on load).
func NewID() string {
	return generateID()
}
