package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageContract(t *testing.T) {
	t.Parallel()

	runStorageContract(t, func(_ *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestMemoryMessageCap(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage(WithMessageCap(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.EnqueueMessage(ctx, "sess", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Oldest entries were dropped.
	assert.JSONEq(t, `{"n":2}`, string(msgs[0].Payload))
	assert.JSONEq(t, `{"n":4}`, string(msgs[2].Payload))
}

func TestMemoryCleanupSessions(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, &Session{
		ID: "live", ExpiresAt: time.Now().Add(time.Hour),
	}, time.Hour))
	require.NoError(t, s.PutSession(ctx, &Session{
		ID: "dead", ExpiresAt: time.Now().Add(-time.Minute),
	}, time.Hour))
	_, err := s.EnqueueMessage(ctx, "dead", json.RawMessage(`{}`))
	require.NoError(t, err)

	deleted, err := s.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.GetSession(ctx, "live")
	assert.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "dead")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
