// Package session manages MCP sessions: version-tagged identifiers created
// by initialize, validation on every subsequent request, and TTL expiry.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"time"

	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// ErrSessionInvalid is returned for missing, expired, or version-mismatched
// sessions. The engine maps it to -32001.
var ErrSessionInvalid = errors.New("session: missing or expired")

// DefaultMaxRequestIDs caps the per-session seen-request-id set.
const DefaultMaxRequestIDs = 1000

// NewID generates a session identifier of the shape
// "<protocolVersion>_<128-bit-random-hex>". The protocol version is
// recoverable from the ID without a storage lookup.
func NewID(protocolVersion string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return protocolVersion + "_" + hex.EncodeToString(buf), nil
}

// ParseVersion extracts the protocol version prefix from a session ID.
func ParseVersion(id string) (string, bool) {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 || idx == len(id)-1 {
		return "", false
	}
	return id[:idx], true
}

// Manager creates and validates sessions against storage.
type Manager struct {
	store         storage.Storage
	ttl           time.Duration
	maxRequestIDs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithMaxRequestIDs caps the per-session request-id set.
func WithMaxRequestIDs(max int) Option {
	return func(m *Manager) { m.maxRequestIDs = max }
}

// NewManager creates a session manager.
func NewManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		ttl:           storage.DefaultSessionTTL,
		maxRequestIDs: DefaultMaxRequestIDs,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create allocates a new session for the negotiated protocol version, bound
// to the authenticated tenant and user. Each write triggers an expired-row
// cleanup with 1% probability.
func (m *Manager) Create(ctx context.Context, protocolVersion string, agencyID int64, userID string) (*storage.Session, error) {
	id, err := NewID(protocolVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &storage.Session{
		ID:              id,
		ProtocolVersion: protocolVersion,
		AgencyID:        agencyID,
		UserID:          userID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}
	if err := m.store.PutSession(ctx, session, m.ttl); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	//nolint:gosec // non-cryptographic sampling of cleanup runs
	if mathrand.Intn(100) == 0 {
		if deleted, err := m.store.CleanupSessions(ctx); err == nil && deleted > 0 {
			logger.Debugw("cleaned up expired sessions", "deleted", deleted)
		}
	}
	return session, nil
}

// Validate loads the session and cross-checks the version prefix of the ID
// against the stored protocol version. Any mismatch or absence maps to
// ErrSessionInvalid.
func (m *Manager) Validate(ctx context.Context, id string) (*storage.Session, error) {
	if id == "" {
		return nil, ErrSessionInvalid
	}

	session, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	prefix, ok := ParseVersion(id)
	if !ok || prefix != session.ProtocolVersion {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// TrackRequestID records a JSON-RPC request id against the session's seen
// set. It returns false when the id was already used.
func (m *Manager) TrackRequestID(ctx context.Context, sessionID string, requestID string) (bool, error) {
	return m.store.AddSessionRequestID(ctx, sessionID, requestID, m.maxRequestIDs)
}

// SetLogLevel updates the session's logging level.
func (m *Manager) SetLogLevel(ctx context.Context, session *storage.Session, level string) error {
	session.LogLevel = level
	return m.store.PutSession(ctx, session, time.Until(session.ExpiresAt))
}

// StartSweeper runs a background loop deleting expired sessions until ctx is
// canceled. The interval defaults to half the TTL.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deleted, err := m.store.CleanupSessions(ctx)
				if err != nil {
					logger.Warnw("session cleanup failed", "error", err.Error())
					continue
				}
				if deleted > 0 {
					logger.Debugw("cleaned up expired sessions", "deleted", deleted)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
