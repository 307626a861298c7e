package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/agencyhub/mcpgate/pkg/logger"
)

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development and
// testing. Durable deployments should use the Redis driver.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]*Client

	// authCodes maps code -> AuthorizationCode. Codes are one-time-use;
	// consumption flips Revoked under the write lock so a second
	// concurrent consumer observes ErrNotFound.
	authCodes map[string]*AuthorizationCode

	// accessTokens maps access token string -> AccessToken.
	// refreshIndex maps refresh token string -> access token string so
	// revocation and refresh lookups stay O(1).
	accessTokens map[string]*AccessToken
	refreshIndex map[string]string

	// sessions maps session id -> Session. requestIDs holds the
	// per-session seen set with insertion order for capped eviction.
	sessions   map[string]*Session
	requestIDs map[string]*requestIDSet

	// messages maps session id -> FIFO queue.
	messages map[string][]*QueuedMessage

	// contexts maps "<type>:<uuid>" -> TenantContext.
	contexts map[string]*TenantContext

	// users and its lookup indexes.
	users       map[string]*User
	usersByMail map[string]string
	providerIDs map[string]string

	// oob maps "<kind>:<session>" -> append-only response list.
	oob map[string][]*OOBResponse

	messageCap int
}

// requestIDSet is a capped insertion-ordered set of JSON-RPC request ids.
type requestIDSet struct {
	seen  map[string]struct{}
	order []string
}

// MemoryOption configures a MemoryStorage instance.
type MemoryOption func(*MemoryStorage)

// WithMessageCap sets the per-session soft cap on queued messages.
func WithMessageCap(cap int) MemoryOption {
	return func(s *MemoryStorage) {
		s.messageCap = cap
	}
}

// NewMemoryStorage creates a MemoryStorage with initialized maps.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:      make(map[string]*Client),
		authCodes:    make(map[string]*AuthorizationCode),
		accessTokens: make(map[string]*AccessToken),
		refreshIndex: make(map[string]string),
		sessions:     make(map[string]*Session),
		requestIDs:   make(map[string]*requestIDSet),
		messages:     make(map[string][]*QueuedMessage),
		contexts:     make(map[string]*TenantContext),
		users:        make(map[string]*User),
		usersByMail:  make(map[string]string),
		providerIDs:  make(map[string]string),
		oob:          make(map[string][]*OOBResponse),
		messageCap:   DefaultMessageCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueMessage appends a payload to the session's FIFO queue.
func (s *MemoryStorage) EnqueueMessage(_ context.Context, sessionID string, payload json.RawMessage) (*QueuedMessage, error) {
	msg := &QueuedMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.messages[sessionID]
	if s.messageCap > 0 && len(queue) >= s.messageCap {
		dropped := len(queue) - s.messageCap + 1
		queue = queue[dropped:]
		logger.Warnw("message queue overflow, dropping oldest entries",
			"session_id", sessionID,
			"dropped", dropped,
		)
	}
	s.messages[sessionID] = append(queue, msg)
	return msg, nil
}

// ListMessages returns the session queue ordered by creation time ascending.
func (s *MemoryStorage) ListMessages(_ context.Context, sessionID string) ([]*QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.messages[sessionID]
	out := make([]*QueuedMessage, len(queue))
	copy(out, queue)
	return out, nil
}

// DeleteMessage removes a delivered message from the session queue.
func (s *MemoryStorage) DeleteMessage(_ context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.messages[sessionID]
	for i, msg := range queue {
		if msg.ID == messageID {
			s.messages[sessionID] = append(queue[:i:i], queue[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ValidateAccessToken returns the token iff it is usable, optionally joined
// to the tenant identified by ref.
func (s *MemoryStorage) ValidateAccessToken(_ context.Context, accessToken string, ref *ContextRef) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[accessToken]
	if !ok || token.Revoked || token.Expired() || token.TokenType != TokenTypeBearer {
		return nil, ErrNotFound
	}

	if ref != nil {
		tc, ok := s.contexts[contextKey(ref.ContextType, ref.UUID)]
		if !ok {
			return nil, ErrNotFound
		}
		if ref.ContextType == ContextTypeAgency && !tc.Active {
			return nil, ErrNotFound
		}
		if token.AgencyID != tc.ID {
			return nil, ErrNotFound
		}
	}

	clone := *token
	return &clone, nil
}

// StoreAccessToken persists a token pair.
func (s *MemoryStorage) StoreAccessToken(_ context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.accessTokens[token.AccessToken] = &clone
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.AccessToken
	}
	return nil
}

// GetTokenByRefresh returns the unrevoked token owning the refresh token.
func (s *MemoryStorage) GetTokenByRefresh(_ context.Context, refreshToken, clientID string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	token, ok := s.accessTokens[accessToken]
	if !ok || token.Revoked || token.ClientID != clientID {
		return nil, ErrNotFound
	}

	clone := *token
	return &clone, nil
}

// RevokeToken marks the token identified by access or refresh string revoked.
func (s *MemoryStorage) RevokeToken(_ context.Context, tokenOrRefresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken := tokenOrRefresh
	if mapped, ok := s.refreshIndex[tokenOrRefresh]; ok {
		accessToken = mapped
	}
	if token, ok := s.accessTokens[accessToken]; ok {
		token.Revoked = true
	}
	// Revoking an unknown token is deliberately not an error (RFC 7009).
	return nil
}

// StoreAuthorizationCode persists a one-time authorization code.
func (s *MemoryStorage) StoreAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *code
	s.authCodes[code.Code] = &clone
	return nil
}

// GetAuthorizationCode returns the code iff unexpired, unrevoked, and owned
// by clientID.
func (s *MemoryStorage) GetAuthorizationCode(_ context.Context, code, clientID string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authCodes[code]
	if !ok || record.Revoked || record.ClientID != clientID || time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}

	clone := *record
	return &clone, nil
}

// RevokeAuthorizationCode consumes a code.
func (s *MemoryStorage) RevokeAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok || record.Revoked {
		return ErrNotFound
	}
	record.Revoked = true
	return nil
}

// GetClient returns a registered OAuth client.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *client
	return &clone, nil
}

// StoreClient persists an OAuth client registration.
func (s *MemoryStorage) StoreClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *client
	s.clients[client.ClientID] = &clone
	return nil
}

// GetContext returns the tenant row, enforcing active=true for agencies.
func (s *MemoryStorage) GetContext(_ context.Context, contextUUID, contextType string) (*TenantContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.contexts[contextKey(contextType, contextUUID)]
	if !ok {
		return nil, ErrNotFound
	}
	if contextType == ContextTypeAgency && !tc.Active {
		return nil, ErrNotFound
	}
	clone := *tc
	return &clone, nil
}

// PutContext provisions a tenant row.
func (s *MemoryStorage) PutContext(_ context.Context, tc *TenantContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *tc
	s.contexts[contextKey(tc.Type, tc.UUID)] = &clone
	return nil
}

// VerifyUserPassword returns the user iff the bcrypt hash matches.
func (s *MemoryStorage) VerifyUserPassword(ctx context.Context, email, password string) (*User, error) {
	user, err := s.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// FindUserByEmail returns a user account by email.
func (s *MemoryStorage) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByMail[email]
	if !ok {
		return nil, ErrNotFound
	}
	user := s.users[id]
	clone := *user
	return &clone, nil
}

// FindUserByProviderID returns the user linked to an external identity.
func (s *MemoryStorage) FindUserByProviderID(_ context.Context, provider, providerID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.providerIDs[providerKey(provider, providerID)]
	if !ok {
		return nil, ErrNotFound
	}
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

// LinkProviderID links an external identity to a user account.
func (s *MemoryStorage) LinkProviderID(_ context.Context, userID, provider, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	s.providerIDs[providerKey(provider, providerID)] = userID
	return nil
}

// PutUser provisions a user account.
func (s *MemoryStorage) PutUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *user
	s.users[user.ID] = &clone
	s.usersByMail[user.Email] = user.ID
	return nil
}

// PutSession upserts a session with the given TTL.
func (s *MemoryStorage) PutSession(_ context.Context, session *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *session
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = time.Now().Add(ttl)
	}
	s.sessions[session.ID] = &clone
	return nil
}

// GetSession returns the session iff it has not expired.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok || session.Expired() {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

// AddSessionRequestID atomically inserts a request id into the session's
// seen set, evicting the oldest entry past maxIDs.
func (s *MemoryStorage) AddSessionRequestID(_ context.Context, sessionID, requestID string, maxIDs int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.requestIDs[sessionID]
	if !ok {
		set = &requestIDSet{seen: make(map[string]struct{})}
		s.requestIDs[sessionID] = set
	}
	if _, dup := set.seen[requestID]; dup {
		return false, nil
	}
	if maxIDs > 0 && len(set.order) >= maxIDs {
		oldest := set.order[0]
		set.order = set.order[1:]
		delete(set.seen, oldest)
	}
	set.seen[requestID] = struct{}{}
	set.order = append(set.order, requestID)
	return true, nil
}

// CleanupSessions deletes expired sessions along with their request-id sets
// and message queues, returning the count of deleted sessions.
func (s *MemoryStorage) CleanupSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, session := range s.sessions {
		if session.Expired() {
			delete(s.sessions, id)
			delete(s.requestIDs, id)
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// StoreOOBResponse appends an out-of-band response record.
func (s *MemoryStorage) StoreOOBResponse(_ context.Context, kind OOBKind, sessionID, requestID string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := oobKey(kind, sessionID)
	s.oob[key] = append(s.oob[key], &OOBResponse{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      kind,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: time.Now(),
	})
	return nil
}

// GetOOBResponse returns the latest response for (session, request id).
func (s *MemoryStorage) GetOOBResponse(_ context.Context, kind OOBKind, sessionID, requestID string) (*OOBResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.oob[oobKey(kind, sessionID)]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].RequestID == requestID {
			clone := *list[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// ListOOBResponses returns the session's responses in creation order.
func (s *MemoryStorage) ListOOBResponses(_ context.Context, kind OOBKind, sessionID string) ([]*OOBResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.oob[oobKey(kind, sessionID)]
	out := make([]*OOBResponse, len(list))
	copy(out, list)
	return out, nil
}

// Close is a no-op for the in-memory driver.
func (*MemoryStorage) Close() error {
	return nil
}

func contextKey(contextType, contextUUID string) string {
	return contextType + ":" + contextUUID
}

func providerKey(provider, providerID string) string {
	return provider + ":" + providerID
}

func oobKey(kind OOBKind, sessionID string) string {
	return string(kind) + ":" + sessionID
}
