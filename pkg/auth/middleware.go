package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/oauth"
	"github.com/agencyhub/mcpgate/pkg/protocol"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// MiddlewareConfig controls the resource-server middleware.
type MiddlewareConfig struct {
	// BaseURL is the externally visible server base URL, no trailing slash.
	BaseURL string

	// ContextType selects which tenant table the route parameter names.
	// Defaults to agency.
	ContextType string

	// Authless skips token validation entirely and attaches a fixed public
	// context. Development use only.
	Authless bool

	// RequireResourceBinding enforces RFC 8707: the token's resource must
	// equal the canonical URL of the addressed tenant and appear in aud.
	RequireResourceBinding bool

	// ValidateScope turns on scope checking against RequiredScopes.
	ValidateScope  bool
	RequiredScopes []string

	// Endpoints fills the data.oauth discovery block of 401 responses.
	Endpoints oauth.Endpoints
}

// Middleware validates bearer tokens against storage and attaches a
// RequestContext on success. Failures produce a 401 whose body is a JSON-RPC
// error carrying the OAuth discovery endpoints.
type Middleware struct {
	store  storage.Storage
	config MiddlewareConfig
}

// NewMiddleware creates the resource-server middleware.
func NewMiddleware(store storage.Storage, config MiddlewareConfig) *Middleware {
	if config.ContextType == "" {
		config.ContextType = storage.ContextTypeAgency
	}
	return &Middleware{store: store, config: config}
}

// Handler wraps next with authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		if uuid == "" {
			m.unauthorized(w, "missing tenant identifier")
			return
		}

		tenant, err := m.store.GetContext(r.Context(), uuid, m.config.ContextType)
		if err != nil || !tenant.Active {
			m.unauthorized(w, "unknown or inactive tenant")
			return
		}

		rc := &RequestContext{
			Tenant:          tenant,
			ContextType:     m.config.ContextType,
			BaseURL:         m.config.BaseURL,
			ProtocolVersion: r.Header.Get("MCP-Protocol-Version"),
		}

		if m.config.Authless {
			next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
			return
		}

		bearer, ok := extractBearer(r)
		if !ok {
			m.unauthorized(w, "missing bearer token")
			return
		}

		token, err := m.store.ValidateAccessToken(r.Context(), bearer, &storage.ContextRef{
			ContextType: m.config.ContextType,
			UUID:        uuid,
		})
		if err != nil {
			m.unauthorized(w, "invalid token")
			return
		}

		if m.config.RequireResourceBinding {
			expected := rc.ResourceURL()
			if token.Resource != expected || !containsString(token.Audience, expected) {
				logger.Warnw("resource binding violation",
					"expected", expected,
					"bound", token.Resource,
				)
				m.unauthorized(w, "token not bound to this resource")
				return
			}
		}

		if m.config.ValidateScope && !hasScopes(token.Scope, m.config.RequiredScopes) {
			m.unauthorized(w, "insufficient scope")
			return
		}

		rc.Token = token
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// extractBearer pulls the token out of the Authorization header.
func extractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// unauthorized writes the 401 body clients use to bootstrap the OAuth flow:
// a JSON-RPC -32000 error with the discovery endpoints under data.oauth.
func (m *Middleware) unauthorized(w http.ResponseWriter, reason string) {
	logger.Debugw("authentication rejected", "reason", reason)

	body := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    protocol.CodeAuthRequired,
			"message": "Authentication required",
			"data":    map[string]any{"oauth": m.config.Endpoints},
		},
		"id": nil,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+m.config.BaseURL+oauth.WellKnownProtectedResourcePath+`"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

// hasScopes checks that every required scope appears in the space-separated
// granted set.
func hasScopes(granted string, required []string) bool {
	have := map[string]bool{}
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}
