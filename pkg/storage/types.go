// Package storage provides the persistence contract for the MCP gateway:
// sessions, queued messages, OAuth tokens, authorization codes, clients,
// tenant contexts, users, and out-of-band responses to server-originated
// requests.
//
// The engine treats storage as a transactional black box. Implementations
// must be safe for concurrent use; multi-step flows (code consume then token
// issue, message read then delete) tolerate interleaving because every
// mutator acts on a single row keyed by a unique identifier.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is the sentinel returned when a record is absent, expired,
// revoked, or excluded by a validation predicate.
var ErrNotFound = errors.New("storage: not found")

// Context types accepted in tenant lookups.
const (
	ContextTypeAgency = "agency"
	ContextTypeUser   = "user"
)

// TokenTypeBearer is the token_type stored on usable access tokens.
// Authorization codes live in a separate record family, so a code can never
// satisfy a bearer-token lookup.
const TokenTypeBearer = "Bearer"

// DefaultMessageCap is the per-session soft cap on queued messages. On
// overflow the oldest undelivered entries are dropped with a log event.
const DefaultMessageCap = 1024

// Default lifetimes for OAuth artifacts and sessions.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultSessionTTL           = time.Hour
)

// TenantContext is a tenant row. Tenants are owned externally and immutable
// to the MCP engine; requests identify them by the UUID in the URL path.
type TenantContext struct {
	// ID is the stable surrogate key referenced by tokens and sessions.
	ID int64 `json:"id"`

	// UUID is the externally visible identifier used in MCP URLs.
	UUID string `json:"uuid"`

	// Type is the context type, ContextTypeAgency or ContextTypeUser.
	Type string `json:"type"`

	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Client is a registered OAuth client, created by dynamic registration or
// provisioning.
type Client struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Name         string `json:"client_name,omitempty"`

	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`

	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// AuthorizationCode is a one-time artifact produced by the consent step and
// consumed by the token endpoint.
type AuthorizationCode struct {
	Code     string `json:"code"`
	ClientID string `json:"client_id"`

	AgencyID int64  `json:"agency_id"`
	UserID   string `json:"user_id"`

	Scope               string `json:"scope"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`

	// Resource is the RFC 8707 resource indicator the code was authorized
	// for. Tokens minted from this code inherit it.
	Resource string `json:"resource,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// AccessToken is an opaque bearer token with its refresh counterpart.
type AccessToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ClientID     string `json:"client_id"`

	AgencyID int64  `json:"agency_id"`
	UserID   string `json:"user_id"`

	Scope string `json:"scope"`

	// Resource is the single URL the token is bound to (RFC 8707).
	Resource string `json:"resource,omitempty"`

	// Audience contains at minimum Resource. Stored JSON-encoded by the
	// drivers and decoded on read.
	Audience []string `json:"aud,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Expired reports whether the token's lifetime has elapsed.
func (t *AccessToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// ContextRef narrows a token validation to a tenant identified by UUID.
type ContextRef struct {
	ContextType string
	UUID        string
}

// Session is a live MCP session created by a successful initialize.
// The protocol version is also recoverable from the session ID prefix,
// independent of this record.
type Session struct {
	ID              string `json:"id"`
	ProtocolVersion string `json:"protocol_version"`

	AgencyID int64  `json:"agency_id"`
	UserID   string `json:"user_id"`

	// LogLevel is set by logging/setLevel, empty until then.
	LogLevel string `json:"log_level,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session TTL has elapsed.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// QueuedMessage is one entry of a per-session FIFO queue, drained by the
// streaming transports and deleted only after successful delivery.
type QueuedMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// User is a resource-owner account used by the OAuth login step.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"-"`
}

// OOBKind names one of the three out-of-band response families used to
// correlate client answers to server-originated requests.
type OOBKind string

// Out-of-band response kinds.
const (
	OOBSampling    OOBKind = "sampling"
	OOBRoots       OOBKind = "roots"
	OOBElicitation OOBKind = "elicitation"
)

// OOBResponse is a client-to-server answer keyed by (session, request id),
// stored append-only.
type OOBResponse struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Kind      OOBKind         `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Storage is the persistence contract the gateway depends on. All lookups
// return ErrNotFound for absent or excluded records.
type Storage interface {
	// EnqueueMessage appends a payload to the session's FIFO queue.
	// When the soft cap is reached the oldest undelivered entry is
	// dropped and logged; no wire signal is produced.
	EnqueueMessage(ctx context.Context, sessionID string, payload json.RawMessage) (*QueuedMessage, error)

	// ListMessages returns the session's queued messages ordered by
	// creation time ascending.
	ListMessages(ctx context.Context, sessionID string) ([]*QueuedMessage, error)

	// DeleteMessage removes a delivered message.
	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// ValidateAccessToken returns the token record only if it is a
	// Bearer token, not revoked, not expired, and, when ref is
	// non-nil, joined to an active tenant row by UUID whose surrogate
	// id matches the token's agency id.
	ValidateAccessToken(ctx context.Context, accessToken string, ref *ContextRef) (*AccessToken, error)

	// StoreAccessToken persists a token pair.
	StoreAccessToken(ctx context.Context, token *AccessToken) error

	// GetTokenByRefresh returns the unrevoked token record owning the
	// given refresh token, scoped to the client.
	GetTokenByRefresh(ctx context.Context, refreshToken, clientID string) (*AccessToken, error)

	// RevokeToken marks the token identified by its access or refresh
	// string as revoked. Revoking an unknown token is not an error.
	RevokeToken(ctx context.Context, tokenOrRefresh string) error

	// StoreAuthorizationCode persists a one-time authorization code.
	StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code record iff it is unexpired,
	// unrevoked, and owned by clientID.
	GetAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)

	// RevokeAuthorizationCode consumes a code. It is atomic: exactly one
	// of two concurrent callers observes the unrevoked record.
	RevokeAuthorizationCode(ctx context.Context, code string) error

	// GetClient returns a registered OAuth client.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// StoreClient persists an OAuth client registration.
	StoreClient(ctx context.Context, client *Client) error

	// GetContext returns the tenant row for the UUID, enforcing
	// active=true for agency contexts.
	GetContext(ctx context.Context, uuid, contextType string) (*TenantContext, error)

	// PutContext provisions a tenant row.
	PutContext(ctx context.Context, tc *TenantContext) error

	// VerifyUserPassword returns the user iff the password matches.
	VerifyUserPassword(ctx context.Context, email, password string) (*User, error)

	// FindUserByEmail returns a user account by email.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByProviderID returns the user linked to an external
	// identity.
	FindUserByProviderID(ctx context.Context, provider, providerID string) (*User, error)

	// LinkProviderID links an external identity to a user account.
	LinkProviderID(ctx context.Context, userID, provider, providerID string) error

	// PutUser provisions a user account.
	PutUser(ctx context.Context, user *User) error

	// PutSession upserts a session with the given TTL.
	PutSession(ctx context.Context, session *Session, ttl time.Duration) error

	// GetSession returns the session iff it has not expired.
	GetSession(ctx context.Context, id string) (*Session, error)

	// AddSessionRequestID inserts a JSON-RPC request id into the
	// session's seen set. It returns false if the id was already
	// present. The insert is atomic: two concurrent calls with the same
	// id produce exactly one true. The set is capped at maxIDs entries;
	// the oldest entries are evicted first.
	AddSessionRequestID(ctx context.Context, sessionID, requestID string, maxIDs int) (bool, error)

	// CleanupSessions deletes expired sessions and returns the count.
	CleanupSessions(ctx context.Context) (int, error)

	// StoreOOBResponse appends an out-of-band response record.
	StoreOOBResponse(ctx context.Context, kind OOBKind, sessionID, requestID string, data json.RawMessage) error

	// GetOOBResponse returns the latest response for (session, request).
	GetOOBResponse(ctx context.Context, kind OOBKind, sessionID, requestID string) (*OOBResponse, error)

	// ListOOBResponses returns all responses for the session, ordered by
	// creation time ascending.
	ListOOBResponses(ctx context.Context, kind OOBKind, sessionID string) ([]*OOBResponse, error)

	// Close releases driver resources.
	Close() error
}
