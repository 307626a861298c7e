package authserver

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/oauth"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// loginCookieName carries the signed login session between the authorize,
// verify, and consent steps.
const loginCookieName = "mcpgate_session"

// authorizeParams are the query parameters of the authorize request,
// threaded through the login and consent forms as hidden fields.
type authorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

func paramsFromValues(values url.Values) authorizeParams {
	return authorizeParams{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Resource:            values.Get("resource"),
	}
}

// validate checks the authorize parameters against the registered client.
func (s *Server) validateAuthorize(r *http.Request, p authorizeParams) (*storage.Client, string, string) {
	if p.ResponseType != "code" {
		return nil, "unsupported_response_type", "response_type must be 'code'"
	}
	client, err := s.store.GetClient(r.Context(), p.ClientID)
	if err != nil {
		return nil, "invalid_client", "unknown client_id"
	}
	if !containsString(client.RedirectURIs, p.RedirectURI) {
		return nil, "invalid_request", "redirect_uri is not registered for this client"
	}
	if p.CodeChallenge == "" {
		return nil, "invalid_request", "code_challenge is required"
	}
	if p.CodeChallengeMethod != oauth.PKCEChallengeMethodS256 {
		return nil, "invalid_request", "code_challenge_method must be S256"
	}
	if s.config.RequireResource && p.Resource == "" {
		return nil, "invalid_target", "resource is required"
	}
	if p.Resource != "" {
		if _, ok := s.resolveTenant(r, p.Resource); !ok {
			return nil, "invalid_target", "resource does not name a known tenant"
		}
	}
	return client, "", ""
}

// handleAuthorize renders the login page for anonymous browsers and the
// consent page for authenticated ones.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p := paramsFromValues(r.URL.Query())
	client, errCode, errDesc := s.validateAuthorize(r, p)
	if errCode != "" {
		oauthError(w, http.StatusBadRequest, errCode, errDesc)
		return
	}

	if _, err := s.loginSessionUser(r); err != nil {
		s.renderLogin(w, p, "")
		return
	}
	s.renderConsent(w, p, client.Name)
}

// handleVerify checks the resource owner's credentials and establishes the
// login session, then sends the browser back to authorize.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	p := paramsFromValues(r.PostForm)

	var user *storage.User
	if providerName := r.PostFormValue("provider"); providerName != "" {
		var err error
		user, err = s.verifyProviderLogin(r, providerName)
		if err != nil {
			logger.Warnw("provider login failed", "provider", providerName)
			w.WriteHeader(http.StatusUnauthorized)
			s.renderLogin(w, p, "External sign-in failed.")
			return
		}
	} else {
		email := r.PostFormValue("email")
		password := r.PostFormValue("password")
		var err error
		user, err = s.store.VerifyUserPassword(r.Context(), email, password)
		if err != nil {
			logger.Warnw("login failed", "email", email)
			w.WriteHeader(http.StatusUnauthorized)
			s.renderLogin(w, p, "Invalid email or password.")
			return
		}
	}

	token, err := s.issueLoginSession(user)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to establish session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    token,
		Path:     "/oauth",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.config.LoginSessionTTL.Seconds()),
	})

	http.Redirect(w, r, s.config.BaseURL+"/oauth/authorize?"+p.encode(), http.StatusFound)
}

// verifyProviderLogin checks an external provider's authorization code and
// returns the linked local account. A first-time sign-in is linked to an
// existing account through its verified email.
func (s *Server) verifyProviderLogin(r *http.Request, providerName string) (*storage.User, error) {
	provider, ok := s.identityProvider(providerName)
	if !ok {
		return nil, fmt.Errorf("unknown identity provider %q", providerName)
	}
	identity, err := provider.Verify(r.Context(), r.PostFormValue("code"))
	if err != nil {
		return nil, fmt.Errorf("provider verification failed: %w", err)
	}

	user, err := s.store.FindUserByProviderID(r.Context(), providerName, identity.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	user, err = s.store.FindUserByEmail(r.Context(), identity.Email)
	if err != nil {
		return nil, fmt.Errorf("no account for external identity: %w", err)
	}
	if err := s.store.LinkProviderID(r.Context(), user.ID, providerName, identity.Subject); err != nil {
		return nil, err
	}
	return user, nil
}

// handleConsent finalizes the authorize step: a rejection bounces back to
// the client with access_denied, an approval mints the one-time code.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	p := paramsFromValues(r.PostForm)

	user, err := s.loginSessionUser(r)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "access_denied", "login session expired")
		return
	}

	if _, errCode, errDesc := s.validateAuthorize(r, p); errCode != "" {
		oauthError(w, http.StatusBadRequest, errCode, errDesc)
		return
	}

	if r.PostFormValue("action") != "approve" {
		redirectWithParams(w, r, p.RedirectURI, url.Values{
			"error": {"access_denied"},
			"state": {p.State},
		})
		return
	}

	code, err := oauth.GenerateSecret(32)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to generate code")
		return
	}

	var agencyID int64
	if p.Resource != "" {
		if tc, ok := s.resolveTenant(r, p.Resource); ok {
			agencyID = tc.ID
		}
	}

	now := time.Now()
	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            p.ClientID,
		AgencyID:            agencyID,
		UserID:              user,
		Scope:               p.Scope,
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Resource:            p.Resource,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.CodeTTL),
	}
	if err := s.store.StoreAuthorizationCode(r.Context(), record); err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to persist code")
		return
	}

	logger.Infow("authorization code issued",
		"client_id", p.ClientID,
		"agency_id", agencyID,
	)
	redirectWithParams(w, r, p.RedirectURI, url.Values{
		"code":  {code},
		"state": {p.State},
	})
}

// issueLoginSession signs a short-lived JWT identifying the resource owner.
func (s *Server) issueLoginSession(user *storage.User) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.config.LoginSessionTTL)),
		Issuer:    s.config.BaseURL,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.LoginSessionSecret)
}

// loginSessionUser returns the user id from a valid login cookie.
func (s *Server) loginSessionUser(r *http.Request) (string, error) {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil {
		return "", err
	}
	token, err := jwt.ParseWithClaims(cookie.Value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.LoginSessionSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid login session: %w", err)
	}
	claims := token.Claims.(*jwt.RegisteredClaims)
	return claims.Subject, nil
}

func redirectWithParams(w http.ResponseWriter, r *http.Request, target string, extra url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (p authorizeParams) encode() string {
	values := url.Values{
		"response_type":         {p.ResponseType},
		"client_id":             {p.ClientID},
		"redirect_uri":          {p.RedirectURI},
		"scope":                 {p.Scope},
		"state":                 {p.State},
		"code_challenge":        {p.CodeChallenge},
		"code_challenge_method": {p.CodeChallengeMethod},
	}
	if p.Resource != "" {
		values.Set("resource", p.Resource)
	}
	return values.Encode()
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<form method="post" action="/oauth/verify">
<label>Email <input type="email" name="email" required></label>
<label>Password <input type="password" name="password" required></label>
{{template "hidden" .Params}}
<button type="submit">Sign in</button>
</form>
{{range .Providers}}
<form method="post" action="/oauth/verify">
<input type="hidden" name="provider" value="{{.}}">
<input type="hidden" name="code" value="">
{{template "hidden" $.Params}}
<button type="submit">Continue with {{.}}</button>
</form>
{{end}}
</body>
</html>`))

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p>Requested scopes: {{.Params.Scope}}</p>
{{if .Params.Resource}}<p>Resource: {{.Params.Resource}}</p>{{end}}
<form method="post" action="/oauth/consent">
{{template "hidden" .Params}}
<button type="submit" name="action" value="approve">Approve</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>`))

func init() {
	hidden := `{{define "hidden"}}
<input type="hidden" name="response_type" value="{{.ResponseType}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<input type="hidden" name="resource" value="{{.Resource}}">
{{end}}`
	template.Must(loginTemplate.Parse(hidden))
	template.Must(consentTemplate.Parse(hidden))
}

func (s *Server) renderLogin(w http.ResponseWriter, p authorizeParams, message string) {
	names := make([]string, 0, len(s.config.IdentityProviders))
	for _, provider := range s.config.IdentityProviders {
		names = append(names, provider.Name)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, map[string]any{
		"Params":    p,
		"Message":   message,
		"Providers": names,
	}); err != nil {
		logger.Errorw("failed to render login page", "error", err.Error())
	}
}

func (s *Server) renderConsent(w http.ResponseWriter, p authorizeParams, clientName string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTemplate.Execute(w, map[string]any{"Params": p, "ClientName": clientName}); err != nil {
		logger.Errorw("failed to render consent page", "error", err.Error())
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
