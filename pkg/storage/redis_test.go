package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) Storage {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStorageContract(t *testing.T) {
	runStorageContract(t, newTestRedis)
}

func TestRedisConnectFailure(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStorage(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)

	_, err = NewRedisStorage(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestRedisRequestIDSetExpiresWithSession(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.PutSession(ctx, &Session{
		ID:              "2025-06-18_aa",
		ProtocolVersion: "2025-06-18",
	}, time.Hour))

	added, err := s.AddSessionRequestID(ctx, "2025-06-18_aa", "1", 100)
	require.NoError(t, err)
	require.True(t, added)

	// The seen-id set inherits the session's TTL so it cannot leak after
	// the session key expires.
	setTTL := mr.TTL("test:session-ids:2025-06-18_aa")
	require.Greater(t, setTTL, time.Duration(0))
	require.LessOrEqual(t, setTTL, time.Hour)

	// A set created without a live session still carries a bound.
	added, err = s.AddSessionRequestID(ctx, "orphan", "1", 100)
	require.NoError(t, err)
	require.True(t, added)
	require.Greater(t, mr.TTL("test:session-ids:orphan"), time.Duration(0))
}
