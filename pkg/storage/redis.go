package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/agencyhub/mcpgate/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// defaultQueueTTL bounds how long an undrained message queue may linger
// after its session stops being served.
const defaultQueueTTL = 24 * time.Hour

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, e.g. "mcpgate:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MessageCap is the per-session soft cap on queued messages.
	MessageCap int
}

// RedisStorage implements the Storage interface on a Redis backend. Records
// are stored JSON-encoded under prefixed keys; TTLs are delegated to Redis
// so expired sessions and codes vanish without a sweeper.
type RedisStorage struct {
	client     redis.UniversalClient
	keyPrefix  string
	messageCap int
}

// NewRedisStorage creates Redis-backed storage and verifies connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MessageCap == 0 {
		cfg.MessageCap = DefaultMessageCap
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcpgate:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		messageCap: cfg.MessageCap,
	}, nil
}

// Close releases the Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) key(parts ...string) string {
	key := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, out)
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// EnqueueMessage appends a payload to the session queue. Ordering uses a
// sorted set scored by enqueue time; payloads live in a hash keyed by
// message id so deletion after delivery is O(1).
func (s *RedisStorage) EnqueueMessage(ctx context.Context, sessionID string, payload json.RawMessage) (*QueuedMessage, error) {
	msg := &QueuedMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal queued message: %w", err)
	}

	orderKey := s.key("msgq", sessionID)
	dataKey := s.key("msg", sessionID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, orderKey, redis.Z{Score: float64(msg.CreatedAt.UnixNano()), Member: msg.ID})
	pipe.HSet(ctx, dataKey, msg.ID, data)
	pipe.Expire(ctx, orderKey, defaultQueueTTL)
	pipe.Expire(ctx, dataKey, defaultQueueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis enqueue: %w", err)
	}

	// Soft cap: drop oldest entries past the limit.
	count, err := s.client.ZCard(ctx, orderKey).Result()
	if err == nil && s.messageCap > 0 && count > int64(s.messageCap) {
		over := count - int64(s.messageCap)
		oldest, err := s.client.ZRange(ctx, orderKey, 0, over-1).Result()
		if err == nil && len(oldest) > 0 {
			pipe := s.client.TxPipeline()
			pipe.ZRemRangeByRank(ctx, orderKey, 0, over-1)
			pipe.HDel(ctx, dataKey, oldest...)
			_, _ = pipe.Exec(ctx)
			logger.Warnw("message queue overflow, dropping oldest entries",
				"session_id", sessionID,
				"dropped", len(oldest),
			)
		}
	}

	return msg, nil
}

// ListMessages returns the session queue ordered by creation time ascending.
func (s *RedisStorage) ListMessages(ctx context.Context, sessionID string) ([]*QueuedMessage, error) {
	ids, err := s.client.ZRange(ctx, s.key("msgq", sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.key("msg", sessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch messages: %w", err)
	}

	out := make([]*QueuedMessage, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// DeleteMessage removes a delivered message.
func (s *RedisStorage) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	pipe := s.client.TxPipeline()
	removed := pipe.ZRem(ctx, s.key("msgq", sessionID), messageID)
	pipe.HDel(ctx, s.key("msg", sessionID), messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete message: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidateAccessToken returns the token iff usable, optionally joined to the
// tenant identified by ref.
func (s *RedisStorage) ValidateAccessToken(ctx context.Context, accessToken string, ref *ContextRef) (*AccessToken, error) {
	var token AccessToken
	if err := s.getJSON(ctx, s.key("token", accessToken), &token); err != nil {
		return nil, err
	}
	if token.Revoked || token.Expired() || token.TokenType != TokenTypeBearer {
		return nil, ErrNotFound
	}

	if ref != nil {
		tc, err := s.GetContext(ctx, ref.UUID, ref.ContextType)
		if err != nil {
			return nil, err
		}
		if token.AgencyID != tc.ID {
			return nil, ErrNotFound
		}
	}
	return &token, nil
}

// StoreAccessToken persists a token pair with a TTL derived from its expiry.
func (s *RedisStorage) StoreAccessToken(ctx context.Context, token *AccessToken) error {
	// Keep the record around past expiry so revocation of the refresh
	// token remains possible; the refresh index carries the longer TTL.
	ttl := time.Until(token.ExpiresAt) + defaultQueueTTL
	if err := s.setJSON(ctx, s.key("token", token.AccessToken), token, ttl); err != nil {
		return err
	}
	if token.RefreshToken != "" {
		if err := s.client.Set(ctx, s.key("refresh", token.RefreshToken), token.AccessToken, ttl).Err(); err != nil {
			return fmt.Errorf("redis store refresh index: %w", err)
		}
	}
	return nil
}

// GetTokenByRefresh returns the unrevoked token owning the refresh token.
func (s *RedisStorage) GetTokenByRefresh(ctx context.Context, refreshToken, clientID string) (*AccessToken, error) {
	accessToken, err := s.client.Get(ctx, s.key("refresh", refreshToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis refresh lookup: %w", err)
	}

	var token AccessToken
	if err := s.getJSON(ctx, s.key("token", accessToken), &token); err != nil {
		return nil, err
	}
	if token.Revoked || token.ClientID != clientID {
		return nil, ErrNotFound
	}
	return &token, nil
}

// RevokeToken marks the token identified by access or refresh string revoked.
func (s *RedisStorage) RevokeToken(ctx context.Context, tokenOrRefresh string) error {
	accessToken := tokenOrRefresh
	if mapped, err := s.client.Get(ctx, s.key("refresh", tokenOrRefresh)).Result(); err == nil {
		accessToken = mapped
	}

	key := s.key("token", accessToken)
	var token AccessToken
	if err := s.getJSON(ctx, key, &token); err != nil {
		// Revoking an unknown token is deliberately not an error (RFC 7009).
		return nil
	}
	token.Revoked = true

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return s.setJSON(ctx, key, &token, ttl)
}

// StoreAuthorizationCode persists a one-time code with its TTL.
func (s *RedisStorage) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}
	return s.setJSON(ctx, s.key("code", code.Code), code, ttl)
}

// GetAuthorizationCode returns the code iff unexpired, unconsumed, and owned
// by clientID.
func (s *RedisStorage) GetAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error) {
	var record AuthorizationCode
	if err := s.getJSON(ctx, s.key("code", code), &record); err != nil {
		return nil, err
	}
	if record.Revoked || record.ClientID != clientID || time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}

	// A consumption marker set by RevokeAuthorizationCode wins over the
	// record body, closing the race between two concurrent consumers.
	used, err := s.client.Exists(ctx, s.key("code-used", code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis code marker: %w", err)
	}
	if used > 0 {
		return nil, ErrNotFound
	}
	return &record, nil
}

// RevokeAuthorizationCode consumes a code. SETNX on the consumption marker
// makes this atomic: exactly one of two concurrent callers succeeds.
func (s *RedisStorage) RevokeAuthorizationCode(ctx context.Context, code string) error {
	set, err := s.client.SetNX(ctx, s.key("code-used", code), "1", DefaultAuthorizationCodeTTL).Result()
	if err != nil {
		return fmt.Errorf("redis consume code: %w", err)
	}
	if !set {
		return ErrNotFound
	}
	return nil
}

// GetClient returns a registered OAuth client.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, s.key("client", clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// StoreClient persists an OAuth client registration. Clients have no TTL.
func (s *RedisStorage) StoreClient(ctx context.Context, client *Client) error {
	return s.setJSON(ctx, s.key("client", client.ClientID), client, 0)
}

// GetContext returns the tenant row, enforcing active=true for agencies.
func (s *RedisStorage) GetContext(ctx context.Context, contextUUID, contextType string) (*TenantContext, error) {
	var tc TenantContext
	if err := s.getJSON(ctx, s.key("context", contextType, contextUUID), &tc); err != nil {
		return nil, err
	}
	if contextType == ContextTypeAgency && !tc.Active {
		return nil, ErrNotFound
	}
	return &tc, nil
}

// PutContext provisions a tenant row.
func (s *RedisStorage) PutContext(ctx context.Context, tc *TenantContext) error {
	return s.setJSON(ctx, s.key("context", tc.Type, tc.UUID), tc, 0)
}

// VerifyUserPassword returns the user iff the bcrypt hash matches.
func (s *RedisStorage) VerifyUserPassword(ctx context.Context, email, password string) (*User, error) {
	user, err := s.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// storedUser carries the password hash, which User deliberately does not
// serialize.
type storedUser struct {
	User
	PasswordHash string `json:"password_hash,omitempty"`
}

// FindUserByEmail returns a user account by email.
func (s *RedisStorage) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	id, err := s.client.Get(ctx, s.key("user-email", email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis user email index: %w", err)
	}
	return s.getUser(ctx, id)
}

// FindUserByProviderID returns the user linked to an external identity.
func (s *RedisStorage) FindUserByProviderID(ctx context.Context, provider, providerID string) (*User, error) {
	id, err := s.client.Get(ctx, s.key("user-provider", provider, providerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis provider index: %w", err)
	}
	return s.getUser(ctx, id)
}

// LinkProviderID links an external identity to a user account.
func (s *RedisStorage) LinkProviderID(ctx context.Context, userID, provider, providerID string) error {
	if _, err := s.getUser(ctx, userID); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("user-provider", provider, providerID), userID, 0).Err()
}

// PutUser provisions a user account.
func (s *RedisStorage) PutUser(ctx context.Context, user *User) error {
	record := storedUser{User: *user, PasswordHash: user.PasswordHash}
	if err := s.setJSON(ctx, s.key("user", user.ID), &record, 0); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("user-email", user.Email), user.ID, 0).Err()
}

func (s *RedisStorage) getUser(ctx context.Context, id string) (*User, error) {
	var record storedUser
	if err := s.getJSON(ctx, s.key("user", id), &record); err != nil {
		return nil, err
	}
	user := record.User
	user.PasswordHash = record.PasswordHash
	return &user, nil
}

// PutSession upserts a session. Redis expires the key itself, so the TTL
// also covers the request-id set.
func (s *RedisStorage) PutSession(ctx context.Context, session *Session, ttl time.Duration) error {
	clone := *session
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = time.Now().Add(ttl)
	}
	if err := s.setJSON(ctx, s.key("session", session.ID), &clone, time.Until(clone.ExpiresAt)); err != nil {
		return err
	}
	return s.client.Expire(ctx, s.key("session-ids", session.ID), time.Until(clone.ExpiresAt)).Err()
}

// GetSession returns the session iff it has not expired.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.getJSON(ctx, s.key("session", id), &session); err != nil {
		return nil, err
	}
	if session.Expired() {
		return nil, ErrNotFound
	}
	return &session, nil
}

// AddSessionRequestID inserts a request id into the session's seen set.
// ZADD NX is atomic, so two concurrent calls with the same id produce
// exactly one insert. Entries past maxIDs are evicted oldest-first.
func (s *RedisStorage) AddSessionRequestID(ctx context.Context, sessionID, requestID string, maxIDs int) (bool, error) {
	key := s.key("session-ids", sessionID)
	pipe := s.client.TxPipeline()
	addCmd := pipe.ZAddNX(ctx, key, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: requestID,
	})
	ttlCmd := pipe.TTL(ctx, s.key("session", sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis request id insert: %w", err)
	}

	// The set must not outlive its session.
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis request id expire: %w", err)
	}

	if addCmd.Val() == 0 {
		return false, nil
	}

	if maxIDs > 0 {
		count, err := s.client.ZCard(ctx, key).Result()
		if err == nil && count > int64(maxIDs) {
			_ = s.client.ZRemRangeByRank(ctx, key, 0, count-int64(maxIDs)-1).Err()
		}
	}
	return true, nil
}

// CleanupSessions is a no-op for Redis: session keys carry their own TTL.
func (*RedisStorage) CleanupSessions(_ context.Context) (int, error) {
	return 0, nil
}

// StoreOOBResponse appends an out-of-band response record.
func (s *RedisStorage) StoreOOBResponse(ctx context.Context, kind OOBKind, sessionID, requestID string, data json.RawMessage) error {
	record := &OOBResponse{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      kind,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: time.Now(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal oob response: %w", err)
	}

	key := s.key("oob", string(kind), sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, encoded)
	pipe.Expire(ctx, key, defaultQueueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store oob: %w", err)
	}
	return nil
}

// GetOOBResponse returns the latest response for (session, request id).
func (s *RedisStorage) GetOOBResponse(ctx context.Context, kind OOBKind, sessionID, requestID string) (*OOBResponse, error) {
	list, err := s.ListOOBResponses(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].RequestID == requestID {
			return list[i], nil
		}
	}
	return nil, ErrNotFound
}

// ListOOBResponses returns the session's responses in creation order.
func (s *RedisStorage) ListOOBResponses(ctx context.Context, kind OOBKind, sessionID string) ([]*OOBResponse, error) {
	values, err := s.client.LRange(ctx, s.key("oob", string(kind), sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list oob: %w", err)
	}
	out := make([]*OOBResponse, 0, len(values))
	for _, v := range values {
		var record OOBResponse
		if err := json.Unmarshal([]byte(v), &record); err != nil {
			continue
		}
		out = append(out, &record)
	}
	return out, nil
}
