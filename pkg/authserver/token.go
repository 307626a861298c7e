package authserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agencyhub/mcpgate/pkg/authserver/registration"
	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/oauth"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// tokenResponse is the RFC 6749 Section 5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code or refresh_token")
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	client, ok := s.authenticateClient(w, r, clientID)
	if !ok {
		return
	}

	code := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	redirectURI := r.PostFormValue("redirect_uri")
	resource := r.PostFormValue("resource")
	if code == "" || verifier == "" || redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request",
			"code, code_verifier and redirect_uri are required")
		return
	}
	if s.config.RequireResource && resource == "" {
		oauthError(w, http.StatusBadRequest, "invalid_target", "resource is required")
		return
	}

	record, err := s.store.GetAuthorizationCode(r.Context(), code, client.ClientID)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}
	if record.RedirectURI != redirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorized one")
		return
	}
	if !oauth.VerifyPKCE(verifier, record.CodeChallenge) {
		logger.Warnw("PKCE verification failed", "client_id", clientID)
		oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	if resource != "" && record.Resource != "" && resource != record.Resource {
		oauthError(w, http.StatusBadRequest, "invalid_target", "resource does not match the authorized one")
		return
	}

	// One-time use: exactly one concurrent exchange wins the revocation.
	if err := s.store.RevokeAuthorizationCode(r.Context(), record.Code); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	s.issueTokenPair(w, r, &storage.AccessToken{
		ClientID: client.ClientID,
		AgencyID: record.AgencyID,
		UserID:   record.UserID,
		Scope:    record.Scope,
		Resource: record.Resource,
	})
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	client, ok := s.authenticateClient(w, r, clientID)
	if !ok {
		return
	}

	refresh := r.PostFormValue("refresh_token")
	if refresh == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	old, err := s.store.GetTokenByRefresh(r.Context(), refresh, client.ClientID)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or revoked")
		return
	}

	resource := r.PostFormValue("resource")
	if s.config.RequireResource && resource == "" {
		oauthError(w, http.StatusBadRequest, "invalid_target", "resource is required")
		return
	}
	if resource != "" && resource != old.Resource {
		oauthError(w, http.StatusBadRequest, "invalid_target", "resource does not match the token binding")
		return
	}

	// Rotation: the old pair dies with the exchange.
	if err := s.store.RevokeToken(r.Context(), old.AccessToken); err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to rotate token")
		return
	}

	s.issueTokenPair(w, r, &storage.AccessToken{
		ClientID: client.ClientID,
		AgencyID: old.AgencyID,
		UserID:   old.UserID,
		Scope:    old.Scope,
		Resource: old.Resource,
	})
}

// issueTokenPair fills in the opaque credentials and audience, persists the
// record, and writes the token response.
func (s *Server) issueTokenPair(w http.ResponseWriter, r *http.Request, token *storage.AccessToken) {
	access, err := oauth.GenerateSecret(32)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}
	refresh, err := oauth.GenerateSecret(32)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}

	now := time.Now()
	token.AccessToken = access
	token.RefreshToken = refresh
	token.TokenType = storage.TokenTypeBearer
	token.IssuedAt = now
	token.ExpiresAt = now.Add(s.config.AccessTokenTTL)
	if token.Resource != "" {
		token.Audience = []string{token.Resource}
	}

	if err := s.store.StoreAccessToken(r.Context(), token); err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to persist token")
		return
	}

	logger.Infow("access token issued",
		"client_id", token.ClientID,
		"agency_id", token.AgencyID,
		"expires_at", token.ExpiresAt,
	)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    storage.TokenTypeBearer,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        token.Scope,
	})
}

// authenticateClient loads the client and, for confidential clients, checks
// the client_secret form value.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request, clientID string) (*storage.Client, bool) {
	if clientID == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return nil, false
	}
	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return nil, false
	}
	if client.ClientSecret != "" {
		provided := r.PostFormValue("client_secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(client.ClientSecret)) != 1 {
			oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return nil, false
		}
	}
	return client, true
}

// handleRevoke implements RFC 7009. Revocation is idempotent: unknown
// tokens still produce 200.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token := r.PostFormValue("token")
	if token != "" {
		if err := s.store.RevokeToken(r.Context(), token); err != nil {
			logger.Debugw("revocation of unknown token", "error", err.Error())
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleRegister implements dynamic client registration (RFC 7591).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &registration.Error{
			Code:        registration.ErrorInvalidClientMetadata,
			Description: "malformed registration body",
		})
		return
	}

	validated, dcrErr := registration.Validate(&req)
	if dcrErr != nil {
		writeJSON(w, http.StatusBadRequest, dcrErr)
		return
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		Name:                    validated.ClientName,
		RedirectURIs:            validated.RedirectURIs,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		CreatedAt:               time.Now(),
	}
	if validated.TokenEndpointAuthMethod != "none" {
		secret, err := oauth.GenerateSecret(32)
		if err != nil {
			oauthError(w, http.StatusInternalServerError, "server_error", "failed to generate client secret")
			return
		}
		client.ClientSecret = secret
	}

	if err := s.store.StoreClient(r.Context(), client); err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to persist client")
		return
	}

	logger.Infow("client registered", "client_id", client.ClientID, "client_name", client.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ClientID,
		"client_secret":              client.ClientSecret,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
	})
}
