// Package registration implements OAuth 2.0 Dynamic Client Registration
// (RFC 7591): request validation with limits and redirect URI policy.
package registration

import (
	"fmt"
	"net/url"
	"slices"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	// ErrorInvalidRedirectURI indicates that one or more redirect_uris is
	// invalid.
	ErrorInvalidRedirectURI = "invalid_redirect_uri"

	// ErrorInvalidClientMetadata indicates that a client metadata field is
	// invalid.
	ErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to keep oversized registrations out.
const (
	// MaxRedirectURICount caps redirect URIs per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength caps the client name.
	MaxClientNameLength = 256
)

// Request is an RFC 7591 Section 2 registration request.
type Request struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod is "none" for public clients or
	// "client_secret_post" for confidential ones. Defaults to
	// client_secret_post.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// Error is an RFC 7591 Section 3.2.2 error response.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

var defaultResponseTypes = []string{"code"}

var allowedResponseTypes = map[string]bool{
	"code": true,
}

var allowedAuthMethods = map[string]bool{
	"none":               true,
	"client_secret_post": true,
}

// Validate checks a registration request per RFC 7591 and the server
// policy, returning a copy with defaults applied.
func Validate(req *Request) (*Request, *Error) {
	if len(req.RedirectURIs) == 0 {
		return nil, &Error{ErrorInvalidRedirectURI, "redirect_uris is required"}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &Error{ErrorInvalidRedirectURI,
			fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount)}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &Error{ErrorInvalidClientMetadata,
			fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength)}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}
	if !allowedAuthMethods[authMethod] {
		return nil, &Error{ErrorInvalidClientMetadata,
			"token_endpoint_auth_method must be 'none' or 'client_secret_post'"}
	}

	grantTypes, dcrErr := validateGrantTypes(req.GrantTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}
	responseTypes, dcrErr := validateResponseTypes(req.ResponseTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}

	return &Request{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *Error) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &Error{ErrorInvalidClientMetadata, "grant_types must include 'authorization_code'"}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, &Error{ErrorInvalidClientMetadata, "unsupported grant_type: " + gt}
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *Error) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	if !slices.Contains(responseTypes, "code") {
		return nil, &Error{ErrorInvalidClientMetadata, "response_types must include 'code'"}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, &Error{ErrorInvalidClientMetadata, "unsupported response_type: " + rt}
		}
	}
	return responseTypes, nil
}

// ValidateRedirectURI enforces RFC 8252 redirect policy: HTTPS anywhere,
// plain HTTP only for loopback addresses.
func ValidateRedirectURI(raw string) *Error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &Error{ErrorInvalidRedirectURI, "invalid redirect_uri: " + raw}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return &Error{ErrorInvalidRedirectURI, "http redirect_uris must be loopback: " + raw}
	default:
		return &Error{ErrorInvalidRedirectURI, "unsupported redirect_uri scheme: " + u.Scheme}
	}
}
