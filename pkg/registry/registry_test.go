package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyhub/mcpgate/pkg/protocol"
)

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echoes its input back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Annotations: &ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"message": args["message"]}, nil
		},
	}
}

func TestToolListVersionGating(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(&Tool{
		Name:         "report",
		Description:  "Produces a structured report",
		OutputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{}, nil
		},
	}))

	old := r.List(protocol.Version20241105)
	require.Len(t, old, 2)
	for _, entry := range old {
		assert.NotContains(t, entry, "annotations")
		assert.NotContains(t, entry, "outputSchema")
		assert.Contains(t, entry, "inputSchema")
	}

	mid := r.List(protocol.Version20250326)
	assert.Contains(t, mid[0], "annotations") // echo sorts first
	assert.NotContains(t, mid[1], "outputSchema")

	newest := r.List(protocol.Version20250618)
	assert.Contains(t, newest[1], "outputSchema")
}

func TestToolExecuteValidatesArgs(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(echoTool()))

	result, tool, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, map[string]any{"message": "hi"}, result)

	_, _, err = r.Execute(context.Background(), "echo", map[string]any{})
	var rpcErr *protocol.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)

	_, _, err = r.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(echoTool()))
	assert.Error(t, r.Register(echoTool()))
}

func TestPromptArgumentsProjection(t *testing.T) {
	t.Parallel()

	r := NewPromptRegistry()
	require.NoError(t, r.Register(&Prompt{
		Name:        "summarize",
		Description: "Summarizes text",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string", "description": "Text to summarize"},
				"style": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"messages": []any{}}, nil
		},
	}))

	list := r.List()
	require.Len(t, list, 1)
	args, ok := list[0]["arguments"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, args, 2)

	assert.Equal(t, "style", args[0]["name"])
	assert.Equal(t, false, args[0]["required"])
	assert.Equal(t, "text", args[1]["name"])
	assert.Equal(t, true, args[1]["required"])
	assert.Equal(t, "Text to summarize", args[1]["description"])
	assert.Equal(t, "string", args[1]["type"])
}

func TestResourceExactAndTemplateMatch(t *testing.T) {
	t.Parallel()

	r := NewResourceRegistry()
	require.NoError(t, r.Register(&Resource{
		URI:      "config://app",
		Name:     "app-config",
		MimeType: "application/json",
		Handler: func(_ context.Context, _ string) (any, error) {
			return "static", nil
		},
	}))
	require.NoError(t, r.Register(&Resource{
		URITemplate: "db://{table}/{id}",
		Name:        "row",
		Handler: func(_ context.Context, uri string) (any, error) {
			return uri, nil
		},
	}))

	result, res, err := r.Read(context.Background(), "config://app")
	require.NoError(t, err)
	assert.Equal(t, "static", result)
	assert.Equal(t, "app-config", res.Name)

	result, res, err = r.Read(context.Background(), "db://users/42")
	require.NoError(t, err)
	assert.Equal(t, "db://users/42", result)
	assert.Equal(t, "row", res.Name)

	_, _, err = r.Read(context.Background(), "db://users")
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.Len(t, r.List(), 1)
	templates := r.ListTemplates()
	require.Len(t, templates, 1)
	assert.Equal(t, "db://{table}/{id}", templates[0]["uriTemplate"])
}

func TestMatchTemplate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		uri      string
		params   map[string]string
		ok       bool
	}{
		{
			name:     "single segment",
			template: "file://{name}.txt",
			uri:      "file://readme.txt",
			params:   map[string]string{"name": "readme"},
			ok:       true,
		},
		{
			name:     "mid placeholder rejects slash",
			template: "db://{table}/latest",
			uri:      "db://a/b/latest",
			ok:       false,
		},
		{
			name:     "trailing placeholder consumes remainder",
			template: "logs://{path}",
			uri:      "logs://2026/08/24/app.log",
			params:   map[string]string{"path": "2026/08/24/app.log"},
			ok:       true,
		},
		{
			name:     "literal mismatch",
			template: "db://{table}/rows",
			uri:      "kv://users/rows",
			ok:       false,
		},
		{
			name:     "empty remainder fails",
			template: "logs://{path}",
			uri:      "logs://",
			ok:       false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, ok := MatchTemplate(tt.template, tt.uri)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.params, params)
			}
		})
	}
}

func TestResourceRegistrationErrors(t *testing.T) {
	t.Parallel()

	r := NewResourceRegistry()
	err := r.Register(&Resource{Name: "bad", Handler: func(_ context.Context, _ string) (any, error) { return nil, nil }})
	assert.Error(t, err, "needs exactly one of URI or URITemplate")

	err = r.Register(&Resource{URI: "x://y", URITemplate: "x://{z}", Name: "both",
		Handler: func(_ context.Context, _ string) (any, error) { return nil, nil }})
	assert.Error(t, err)
}

func TestToolProviderRegistration(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.RegisterProvider(&staticProvider{}))

	tool, err := r.Get("static")
	require.NoError(t, err)
	assert.Equal(t, "A provider-backed tool", tool.Description)

	result, _, err := r.Execute(context.Background(), "static", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

type staticProvider struct{}

func (*staticProvider) Name() string                  { return "static" }
func (*staticProvider) Description() string           { return "A provider-backed tool" }
func (*staticProvider) InputSchema() map[string]any   { return nil }
func (*staticProvider) OutputSchema() map[string]any  { return nil }
func (*staticProvider) Annotations() *ToolAnnotations { return nil }
func (*staticProvider) Execute(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

func TestErrNotRegisteredWraps(t *testing.T) {
	t.Parallel()

	r := NewPromptRegistry()
	_, err := r.Get("nope")
	assert.True(t, errors.Is(err, ErrNotRegistered))
}
