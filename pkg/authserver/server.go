// Package authserver implements the OAuth 2.1 authorization server:
// authorize/verify/consent, the token endpoint with PKCE and RFC 8707
// resource binding, revocation, and dynamic client registration.
package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// Config parameterizes the authorization server.
type Config struct {
	// BaseURL is the issuer, also the base of the MCP resource URLs.
	BaseURL string

	// Scopes offered on the consent screen and echoed in metadata.
	Scopes []string

	// RequireResource makes the resource parameter mandatory on authorize
	// and token calls (RFC 8707, protocol version 2025-06-18 behavior).
	RequireResource bool

	// LoginSessionSecret signs the short-lived login session JWT.
	LoginSessionSecret []byte

	// LoginSessionTTL bounds the login cookie. Defaults to 15 minutes.
	LoginSessionTTL time.Duration

	// CodeTTL bounds authorization codes, capped at 10 minutes.
	CodeTTL time.Duration

	// AccessTokenTTL bounds access tokens, capped at 1 hour.
	AccessTokenTTL time.Duration

	// ContextType is the tenant table resource URLs address.
	ContextType string

	// IdentityProviders are the external sign-in options offered on the
	// login page alongside email/password.
	IdentityProviders []IdentityProvider
}

// IdentityProvider verifies an authorization code from an external identity
// service and reports who it identifies.
type IdentityProvider struct {
	Name   string
	Verify func(ctx context.Context, code string) (*ProviderIdentity, error)
}

// ProviderIdentity is the external subject an identity provider vouches for.
type ProviderIdentity struct {
	Subject string
	Email   string
	Name    string
}

// Server handles the OAuth endpoint set against storage.
type Server struct {
	store  storage.Storage
	config Config
}

// New creates the authorization server. TTLs are clamped to their RFC
// ceilings.
func New(store storage.Storage, config Config) *Server {
	if config.LoginSessionTTL <= 0 {
		config.LoginSessionTTL = 15 * time.Minute
	}
	if config.CodeTTL <= 0 || config.CodeTTL > storage.DefaultAuthorizationCodeTTL {
		config.CodeTTL = storage.DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 || config.AccessTokenTTL > storage.DefaultAccessTokenTTL {
		config.AccessTokenTTL = storage.DefaultAccessTokenTTL
	}
	if config.ContextType == "" {
		config.ContextType = storage.ContextTypeAgency
	}
	return &Server{store: store, config: config}
}

// identityProvider returns the configured provider by name.
func (s *Server) identityProvider(name string) (*IdentityProvider, bool) {
	for i := range s.config.IdentityProviders {
		if s.config.IdentityProviders[i].Name == name {
			return &s.config.IdentityProviders[i], true
		}
	}
	return nil, false
}

// Routes returns the /oauth router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/verify", s.handleVerify)
	r.Post("/consent", s.handleConsent)
	r.Post("/token", s.handleToken)
	r.Post("/revoke", s.handleRevoke)
	r.Post("/register", s.handleRegister)
	return r
}

// oauthError is the {error, error_description} body used by every endpoint.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err.Error())
	}
}

// resolveTenant maps an RFC 8707 resource URL back to its tenant row. The
// resource must have the shape <base_url>/mcp/<uuid>.
func (s *Server) resolveTenant(r *http.Request, resource string) (*storage.TenantContext, bool) {
	prefix := s.config.BaseURL + "/mcp/"
	if !strings.HasPrefix(resource, prefix) {
		return nil, false
	}
	uuid := strings.TrimPrefix(resource, prefix)
	if uuid == "" || strings.Contains(uuid, "/") {
		return nil, false
	}
	tc, err := s.store.GetContext(r.Context(), uuid, s.config.ContextType)
	if err != nil || !tc.Active {
		return nil, false
	}
	return tc, true
}
