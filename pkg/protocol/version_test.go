package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiate(t *testing.T) {
	t.Parallel()

	n := NewNegotiator(nil)

	tests := []struct {
		name   string
		client string
		want   string
	}{
		{name: "exact newest", client: "2025-06-18", want: "2025-06-18"},
		{name: "exact middle", client: "2025-03-26", want: "2025-03-26"},
		{name: "exact oldest", client: "2024-11-05", want: "2024-11-05"},
		{name: "future client downgrades to newest", client: "2099-01-01", want: "2025-06-18"},
		{name: "ancient client falls back to oldest", client: "1999-01-01", want: "2024-11-05"},
		{name: "unknown mid version falls back to oldest", client: "2025-01-01", want: "2024-11-05"},
		{name: "empty falls back to oldest", client: "", want: "2024-11-05"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, n.Negotiate(tt.client))
		})
	}
}

func TestIsSupported(t *testing.T) {
	t.Parallel()

	n := NewNegotiator([]string{"2025-03-26", "2024-11-05"})
	assert.True(t, n.IsSupported("2024-11-05"))
	assert.False(t, n.IsSupported("2025-06-18"))
}

func TestFeatureGates(t *testing.T) {
	t.Parallel()

	assert.False(t, SupportsAnnotations("2024-11-05"))
	assert.True(t, SupportsAnnotations("2025-03-26"))
	assert.True(t, SupportsAnnotations("2025-06-18"))

	assert.False(t, SupportsStructuredOutput("2025-03-26"))
	assert.True(t, SupportsStructuredOutput("2025-06-18"))

	assert.False(t, SupportsElicitation("2025-03-26"))
	assert.True(t, SupportsElicitation("2025-06-18"))

	assert.False(t, SupportsCompletions("2024-11-05"))
	assert.True(t, SupportsCompletions("2025-03-26"))
}

func TestJSONRPCMessageWireShape(t *testing.T) {
	t.Parallel()

	req, err := NewRequestMessage("ping", nil, 1)
	assert.NoError(t, err)
	encoded, err := json.Marshal(req)
	assert.NoError(t, err)
	assert.Contains(t, string(encoded), `"id":1`)

	// Notifications carry no id key at all.
	note, err := NewNotificationMessage("notifications/initialized", nil)
	assert.NoError(t, err)
	encoded, err = json.Marshal(note)
	assert.NoError(t, err)
	assert.NotContains(t, string(encoded), `"id"`)

	errMsg, err := NewErrorMessage(2, CodeInvalidRequest, "Invalid Request", nil)
	assert.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, errMsg.Error.Code)
}
