package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// runStorageContract exercises the Storage interface semantics shared by all
// drivers.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("message queue FIFO and delete", func(t *testing.T) {
		s := newStore(t)

		first, err := s.EnqueueMessage(ctx, "sess-1", json.RawMessage(`{"id":1}`))
		require.NoError(t, err)
		second, err := s.EnqueueMessage(ctx, "sess-1", json.RawMessage(`{"id":2}`))
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, first.ID, msgs[0].ID)
		assert.Equal(t, second.ID, msgs[1].ID)

		require.NoError(t, s.DeleteMessage(ctx, "sess-1", first.ID))
		msgs, err = s.ListMessages(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, second.ID, msgs[0].ID)

		assert.ErrorIs(t, s.DeleteMessage(ctx, "sess-1", first.ID), ErrNotFound)
	})

	t.Run("token store and validate round-trip", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.PutContext(ctx, &TenantContext{
			ID: 7, UUID: "550e8400-e29b-41d4-a716-446655440000",
			Type: ContextTypeAgency, Name: "acme", Active: true,
		}))

		token := &AccessToken{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenType:    TokenTypeBearer,
			ClientID:     "client-1",
			AgencyID:     7,
			UserID:       "user-1",
			Scope:        "mcp:read mcp:write",
			Resource:     "https://s/mcp/550e8400-e29b-41d4-a716-446655440000",
			Audience:     []string{"https://s/mcp/550e8400-e29b-41d4-a716-446655440000"},
			IssuedAt:     time.Now(),
			ExpiresAt:    time.Now().Add(time.Hour),
		}
		require.NoError(t, s.StoreAccessToken(ctx, token))

		got, err := s.ValidateAccessToken(ctx, "at-1", &ContextRef{
			ContextType: ContextTypeAgency,
			UUID:        "550e8400-e29b-41d4-a716-446655440000",
		})
		require.NoError(t, err)
		assert.Equal(t, token.Scope, got.Scope)
		assert.Equal(t, token.Resource, got.Resource)
		assert.Equal(t, token.Audience, got.Audience)
		assert.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Second)
	})

	t.Run("inactive agency excludes token", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.PutContext(ctx, &TenantContext{
			ID: 9, UUID: "b-uuid", Type: ContextTypeAgency, Active: false,
		}))
		require.NoError(t, s.StoreAccessToken(ctx, &AccessToken{
			AccessToken: "at-2", TokenType: TokenTypeBearer, AgencyID: 9,
			ExpiresAt: time.Now().Add(time.Hour),
		}))

		_, err := s.ValidateAccessToken(ctx, "at-2", &ContextRef{
			ContextType: ContextTypeAgency, UUID: "b-uuid",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("revoked and expired tokens are absent", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.StoreAccessToken(ctx, &AccessToken{
			AccessToken: "at-3", RefreshToken: "rt-3", TokenType: TokenTypeBearer,
			ClientID: "client-1", ExpiresAt: time.Now().Add(time.Hour),
		}))
		require.NoError(t, s.RevokeToken(ctx, "rt-3"))
		_, err := s.ValidateAccessToken(ctx, "at-3", nil)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetTokenByRefresh(ctx, "rt-3", "client-1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.StoreAccessToken(ctx, &AccessToken{
			AccessToken: "at-4", TokenType: TokenTypeBearer,
			ExpiresAt: time.Now().Add(-time.Minute),
		}))
		_, err = s.ValidateAccessToken(ctx, "at-4", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("authorization code lifecycle", func(t *testing.T) {
		s := newStore(t)

		code := &AuthorizationCode{
			Code: "code-1", ClientID: "client-1", AgencyID: 7, UserID: "user-1",
			Scope: "mcp:read", RedirectURI: "http://127.0.0.1/cb",
			CodeChallenge: "challenge", CodeChallengeMethod: "S256",
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(10 * time.Minute),
		}
		require.NoError(t, s.StoreAuthorizationCode(ctx, code))

		got, err := s.GetAuthorizationCode(ctx, "code-1", "client-1")
		require.NoError(t, err)
		assert.Equal(t, code.CodeChallenge, got.CodeChallenge)

		// Wrong client sees nothing.
		_, err = s.GetAuthorizationCode(ctx, "code-1", "client-2")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.RevokeAuthorizationCode(ctx, "code-1"))
		_, err = s.GetAuthorizationCode(ctx, "code-1", "client-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// One-time consumption: second revoke reports not found.
		assert.ErrorIs(t, s.RevokeAuthorizationCode(ctx, "code-1"), ErrNotFound)
	})

	t.Run("client registration round-trip", func(t *testing.T) {
		s := newStore(t)

		client := &Client{
			ClientID:                "client-xyz",
			Name:                    "Example",
			RedirectURIs:            []string{"http://127.0.0.1:8912/cb"},
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "none",
			CreatedAt:               time.Now(),
		}
		require.NoError(t, s.StoreClient(ctx, client))
		got, err := s.GetClient(ctx, "client-xyz")
		require.NoError(t, err)
		assert.Equal(t, client.RedirectURIs, got.RedirectURIs)

		_, err = s.GetClient(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("user password verification", func(t *testing.T) {
		s := newStore(t)

		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, s.PutUser(ctx, &User{
			ID: "user-1", Email: "dev@example.com", PasswordHash: string(hash),
		}))

		user, err := s.VerifyUserPassword(ctx, "dev@example.com", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)

		_, err = s.VerifyUserPassword(ctx, "dev@example.com", "wrong")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.LinkProviderID(ctx, "user-1", "github", "gh-42"))
		linked, err := s.FindUserByProviderID(ctx, "github", "gh-42")
		require.NoError(t, err)
		assert.Equal(t, "user-1", linked.ID)
	})

	t.Run("session TTL", func(t *testing.T) {
		s := newStore(t)

		session := &Session{
			ID: "2025-06-18_abc", ProtocolVersion: "2025-06-18",
			AgencyID: 7, UserID: "user-1", CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, s.PutSession(ctx, session, time.Hour))

		got, err := s.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "2025-06-18", got.ProtocolVersion)

		expired := &Session{
			ID: "2025-06-18_gone", ProtocolVersion: "2025-06-18",
			CreatedAt: time.Now().Add(-2 * time.Hour),
			ExpiresAt: time.Now().Add(-time.Hour),
		}
		// Memory driver keeps the row until cleanup; expiry is enforced
		// on read either way.
		_ = s.PutSession(ctx, expired, time.Hour)
		_, err = s.GetSession(ctx, "2025-06-18_gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("request id set dedupe and cap", func(t *testing.T) {
		s := newStore(t)

		added, err := s.AddSessionRequestID(ctx, "sess-ids", "1", 3)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddSessionRequestID(ctx, "sess-ids", "1", 3)
		require.NoError(t, err)
		assert.False(t, added)

		for _, id := range []string{"2", "3", "4"} {
			added, err = s.AddSessionRequestID(ctx, "sess-ids", id, 3)
			require.NoError(t, err)
			assert.True(t, added)
		}
		// "1" was evicted by the cap, so it can be inserted again.
		added, err = s.AddSessionRequestID(ctx, "sess-ids", "1", 3)
		require.NoError(t, err)
		assert.True(t, added)
	})

	t.Run("oob append and correlation", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.StoreOOBResponse(ctx, OOBElicitation, "sess-1", "req-1", json.RawMessage(`{"answer":"a"}`)))
		require.NoError(t, s.StoreOOBResponse(ctx, OOBElicitation, "sess-1", "req-1", json.RawMessage(`{"answer":"b"}`)))
		require.NoError(t, s.StoreOOBResponse(ctx, OOBSampling, "sess-1", "req-2", json.RawMessage(`{"answer":"c"}`)))

		latest, err := s.GetOOBResponse(ctx, OOBElicitation, "sess-1", "req-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"answer":"b"}`, string(latest.Data))

		list, err := s.ListOOBResponses(ctx, OOBElicitation, "sess-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.JSONEq(t, `{"answer":"a"}`, string(list[0].Data))

		_, err = s.GetOOBResponse(ctx, OOBRoots, "sess-1", "req-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentRequestIDInsert(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.AddSessionRequestID(ctx, "race", "same-id", 100)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, ok := range results {
		if ok {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted, "exactly one concurrent insert must win")
}
