package auth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agencyhub/mcpgate/pkg/oauth"
	"github.com/agencyhub/mcpgate/pkg/protocol"
)

// Discovery responses are cacheable for an hour, matching common OIDC
// discovery cache policy.
const discoveryCacheMaxAge = 3600

// NewProtectedResourceHandler serves RFC 9728 metadata for the MCP resource.
// RFC 9728 requires the endpoint to be reachable without authentication.
func NewProtectedResourceHandler(baseURL, issuer string, scopes []string, versions []string) http.Handler {
	metadata := &oauth.ProtectedResourceMetadata{
		Resource:                   baseURL + "/mcp",
		AuthorizationServers:       []string{issuer},
		BearerMethodsSupported:     []string{"header"},
		ScopesSupported:            scopes,
		AudienceValidationRequired: true,
		MCPFeaturesSupported:       mcpFeatures(versions),
	}
	return discoveryHandler(metadata)
}

// NewAuthServerMetadataHandler serves the RFC 8414 document.
func NewAuthServerMetadataHandler(endpoints oauth.Endpoints, scopes []string, resourceBinding bool) http.Handler {
	return discoveryHandler(endpoints.ServerMetadata(scopes, resourceBinding))
}

func discoveryHandler(document any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_ = json.NewEncoder(w).Encode(document)
	})
}

// mcpFeatures lists the protocol features enabled by the supported versions.
func mcpFeatures(versions []string) []string {
	features := []string{"tools", "prompts", "resources"}
	streamable, structured := false, false
	for _, v := range versions {
		if protocol.SupportsStreamableHTTP(v) {
			streamable = true
		}
		if protocol.SupportsStructuredOutput(v) {
			structured = true
		}
	}
	if streamable {
		features = append(features, "completions", "streamable-http")
	}
	if structured {
		features = append(features, "structured-output", "elicitation", "resource-links")
	}
	return features
}
