package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyhub/mcpgate/pkg/config"
	"github.com/agencyhub/mcpgate/pkg/registry"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

const (
	testBaseURL = "https://mcp.example.com"
	testUUID    = "550e8400-e29b-41d4-a716-446655440000"
)

func testConfig() *config.Config {
	return &config.Config{
		BaseURL:           testBaseURL,
		ListenAddr:        ":0",
		SupportedVersions: []string{"2025-06-18", "2025-03-26", "2024-11-05"},
		ServerInfo:        config.ServerInfo{Name: "mcpgate", Version: "test"},
		SessionLifetime:   3600,
		Auth: config.AuthConfig{
			Scopes:                 []string{"mcp"},
			RequireResourceBinding: true,
			LoginSessionSecret:     "test-secret",
		},
		SSE:            config.StreamConfig{TestMode: true},
		StreamableHTTP: config.StreamConfig{TestMode: true},
		Metrics:        true,
	}
}

func newTestServer(t *testing.T) (*Server, http.Handler, *storage.MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	require.NoError(t, store.PutContext(ctx, &storage.TenantContext{
		ID: 1, UUID: testUUID, Type: storage.ContextTypeAgency, Name: "acme", Active: true,
	}))
	require.NoError(t, store.StoreAccessToken(ctx, &storage.AccessToken{
		AccessToken: "tok-1",
		TokenType:   storage.TokenTypeBearer,
		ClientID:    "client-1",
		AgencyID:    1,
		UserID:      "user-1",
		Scope:       "mcp",
		Resource:    testBaseURL + "/mcp/" + testUUID,
		Audience:    []string{testBaseURL + "/mcp/" + testUUID},
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	reg := registry.New()
	require.NoError(t, reg.Tools.Register(&registry.Tool{
		Name:        "echo",
		Description: "Echoes its input back",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"message": args["message"]}, nil
		},
	}))

	srv := New(testConfig(), store, reg)
	return srv, srv.Router(), store
}

func postJSON(t *testing.T, router http.Handler, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInitPingAndDrain(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	init := postJSON(t, router, "/mcp/"+testUUID, "",
		`{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"c","version":"1"}},"id":1}`)
	require.Equal(t, http.StatusOK, init.Code, init.Body.String())

	sessionID := init.Header().Get("Mcp-Session-Id")
	require.True(t, strings.HasPrefix(sessionID, "2024-11-05_"))

	var initBody map[string]any
	require.NoError(t, json.Unmarshal(init.Body.Bytes(), &initBody))
	result := initBody["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	ping := postJSON(t, router, "/mcp/"+testUUID, sessionID,
		`{"jsonrpc":"2.0","method":"ping","id":2}`)
	require.Equal(t, http.StatusAccepted, ping.Code)
	assert.JSONEq(t, `{"status":"queued"}`, ping.Body.String())

	// Drain over SSE; test mode makes a single pass.
	req := httptest.NewRequest(http.MethodGet, "/mcp/"+testUUID+"/sse?session_id="+sessionID, nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: endpoint\ndata: "+testBaseURL+"/mcp/"+testUUID+"/"+sessionID)
	assert.Contains(t, body, `"status":"pong"`)
	assert.Contains(t, body, `"id":2`)
}

func TestPostRejectsWithoutBearer(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp/"+testUUID,
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":-32000`)
	assert.Contains(t, rec.Body.String(), "authorization_endpoint")
}

func TestUnsupportedHTTPMethod(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/mcp/"+testUUID, strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32002")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/mcp/"+testUUID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
}

func TestWellKnownEndpointsAreUnauthenticated(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	}

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var md map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, testBaseURL, md["issuer"])
	assert.Equal(t, true, md["resource_indicators_supported"])
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionIDFromURLSegment(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestServer(t)

	init := postJSON(t, router, "/mcp/"+testUUID, "",
		`{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2025-06-18"},"id":1}`)
	require.Equal(t, http.StatusOK, init.Code)
	sessionID := init.Header().Get("Mcp-Session-Id")

	// Session id carried in the URL instead of the header.
	rec := postJSON(t, router, "/mcp/"+testUUID+"/"+sessionID, "",
		`{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued"}`, rec.Body.String())
}
