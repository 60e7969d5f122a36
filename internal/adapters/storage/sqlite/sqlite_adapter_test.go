package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/chatstate/internal/domain/ports"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(filepath.Join(t.TempDir(), "nested", "chatstate.db"), "migrations")
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	require.NoError(t, adapter.Migrate(context.Background()))
	return adapter
}

func TestAdapter_Migrate(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	versions, err := adapter.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial_schema", "002_blob_sizes"}, versions)

	// Running again applies nothing new
	require.NoError(t, adapter.Migrate(ctx))
	again, err := adapter.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, versions, again)

	assert.NoError(t, adapter.Ping(ctx))
}

func TestAdapter_Blobs(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	_, err := adapter.Load(ctx, "chatConversations_v2")
	assert.ErrorIs(t, err, ports.ErrBlobNotFound)

	require.NoError(t, adapter.Save(ctx, "chatConversations_v2", []byte(`{"version":2}`)))
	data, err := adapter.Load(ctx, "chatConversations_v2")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(data))

	require.NoError(t, adapter.Save(ctx, "chatConversations_v2", []byte(`{"version":2,"x":1}`)))
	data, err = adapter.Load(ctx, "chatConversations_v2")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2,"x":1}`, string(data), "save replaces the previous blob")

	require.NoError(t, adapter.Save(ctx, "voiceConversations_v1", []byte(`[]`)))
	blobs, err := adapter.ListBlobs(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "chatConversations_v2", blobs[0].Key)
	assert.Equal(t, len(`{"version":2,"x":1}`), blobs[0].Size)
	assert.Equal(t, "voiceConversations_v1", blobs[1].Key)
	assert.NotEmpty(t, blobs[1].UpdatedAt)
}

func TestAdapter_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- adapter.Save(ctx, fmt.Sprintf("key-%d", i%4), []byte(fmt.Sprintf("value-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	blobs, err := adapter.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 4)
}

func TestAdapter_Events(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, adapter.SaveEvent(ctx, "chat", "message.appended", map[string]interface{}{"index": i}))
	}
	require.NoError(t, adapter.SaveEvent(ctx, "voice", "conversation.created", map[string]interface{}{"conversation_id": "c1"}))

	events, err := adapter.GetEvents(ctx, "chat", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, "chat", e.Workspace)
		assert.Equal(t, "message.appended", e.EventType)
		// JSON numbers decode as float64
		assert.Equal(t, float64(i+2), e.Payload["index"], "latest events, oldest first")
		assert.NotEmpty(t, e.CreatedAt)
	}

	voice, err := adapter.GetEvents(ctx, "voice", 10)
	require.NoError(t, err)
	require.Len(t, voice, 1)
	assert.Equal(t, "c1", voice[0].Payload["conversation_id"])

	none, err := adapter.GetEvents(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
