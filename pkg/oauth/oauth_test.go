package oauth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePKCEChallengeRFCVector(t *testing.T) {
	t.Parallel()

	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", ComputePKCEChallenge(verifier))
	assert.True(t, VerifyPKCE(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
	assert.False(t, VerifyPKCE("wrong-verifier", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
}

func TestGenerateSecret(t *testing.T) {
	t.Parallel()

	a, err := GenerateSecret(32)
	require.NoError(t, err)
	b, err := GenerateSecret(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 43) // 32 bytes base64url, no padding
}

func TestServerMetadata(t *testing.T) {
	t.Parallel()

	e := EndpointsFromIssuer("https://auth.example.com")
	assert.Equal(t, "https://auth.example.com/oauth/token", e.TokenEndpoint)

	md := e.ServerMetadata([]string{"mcp"}, true)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.True(t, md.ResourceIndicatorsSupported)
	assert.True(t, md.RequireResourceParameter)
	assert.True(t, md.PKCERequired)

	// Binding-disabled documents must omit the RFC 8707 fields entirely.
	data, err := json.Marshal(e.ServerMetadata(nil, false))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "resource_indicators_supported")
	assert.NotContains(t, string(data), "pkce_required")
}
