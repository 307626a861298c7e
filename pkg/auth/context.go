// Package auth implements the resource-server side of authorization: bearer
// token validation against storage, RFC 8707 resource binding, and the
// discovery payloads handed to unauthenticated clients.
package auth

import (
	"context"

	"github.com/agencyhub/mcpgate/pkg/storage"
)

type contextKey struct{}

// RequestContext is attached to every authenticated MCP request.
type RequestContext struct {
	// Tenant is the resolved agency or user context the URL names.
	Tenant *storage.TenantContext

	// Token is the validated access token, nil in authless mode.
	Token *storage.AccessToken

	// ContextType mirrors Tenant.Type for callers that only need the kind.
	ContextType string

	// BaseURL is the externally visible server base, used to compute the
	// canonical resource URL.
	BaseURL string

	// ProtocolVersion is filled in once the session is known, empty on
	// initialize.
	ProtocolVersion string
}

// ResourceURL returns the canonical resource URL tokens must be bound to.
func (rc *RequestContext) ResourceURL() string {
	return rc.BaseURL + "/mcp/" + rc.Tenant.UUID
}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext, nil when absent.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
