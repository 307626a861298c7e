// Package oauth holds the OAuth wire types shared by the authorization
// server and the resource-server middleware: RFC 8414 and RFC 9728
// discovery metadata and the PKCE/token crypto helpers.
package oauth

// Well-known discovery paths.
const (
	// WellKnownAuthServerPath serves RFC 8414 authorization server metadata.
	WellKnownAuthServerPath = "/.well-known/oauth-authorization-server"

	// WellKnownProtectedResourcePath serves RFC 9728 protected resource
	// metadata. RFC 9728 requires it to be reachable without authentication.
	WellKnownProtectedResourcePath = "/.well-known/oauth-protected-resource"
)

// AuthorizationServerMetadata is the RFC 8414 discovery document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`

	// RFC 8707 resource indicator support, advertised only when resource
	// binding is enforced.
	ResourceIndicatorsSupported bool `json:"resource_indicators_supported,omitempty"`
	RequireResourceParameter    bool `json:"require_resource_parameter,omitempty"`
	PKCERequired                bool `json:"pkce_required,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 discovery document.
type ProtectedResourceMetadata struct {
	Resource                   string   `json:"resource"`
	AuthorizationServers       []string `json:"authorization_servers"`
	BearerMethodsSupported     []string `json:"bearer_methods_supported"`
	ScopesSupported            []string `json:"scopes_supported"`
	AudienceValidationRequired bool     `json:"audience_validation_required"`
	MCPFeaturesSupported       []string `json:"mcp_features_supported"`
}

// Endpoints carries the absolute OAuth endpoint URLs handed to clients in
// the 401 discovery body and in metadata documents.
type Endpoints struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// EndpointsFromIssuer derives the conventional /oauth endpoint layout from
// the issuer base URL.
func EndpointsFromIssuer(issuer string) Endpoints {
	return Endpoints{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/oauth/authorize",
		TokenEndpoint:         issuer + "/oauth/token",
		RegistrationEndpoint:  issuer + "/oauth/register",
		RevocationEndpoint:    issuer + "/oauth/revoke",
	}
}

// ServerMetadata builds the RFC 8414 document for these endpoints.
func (e Endpoints) ServerMetadata(scopes []string, resourceBinding bool) *AuthorizationServerMetadata {
	md := &AuthorizationServerMetadata{
		Issuer:                            e.Issuer,
		AuthorizationEndpoint:             e.AuthorizationEndpoint,
		TokenEndpoint:                     e.TokenEndpoint,
		RegistrationEndpoint:              e.RegistrationEndpoint,
		RevocationEndpoint:                e.RevocationEndpoint,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		ScopesSupported:                   scopes,
	}
	if resourceBinding {
		md.ResourceIndicatorsSupported = true
		md.RequireResourceParameter = true
		md.PKCERequired = true
	}
	return md
}
