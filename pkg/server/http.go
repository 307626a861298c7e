package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agencyhub/mcpgate/pkg/auth"
	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/protocol"
)

// maxBodySize caps JSON-RPC request bodies at 4 MiB.
const maxBodySize = 4 << 20

// handlePost feeds a JSON-RPC message to the engine. The session id comes
// from the Mcp-Session-Id header or the trailing URL segment.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, protocol.CodeParseError, "failed to read body")
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = chi.URLParam(r, "sessionID")
	}

	rc := auth.RequestContextFrom(r.Context())
	result := s.engine.Handle(r.Context(), rc, sessionID, body)

	if result.SessionID != "" {
		w.Header().Set("Mcp-Session-Id", result.SessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	if result.Body != nil {
		if err := json.NewEncoder(w).Encode(result.Body); err != nil {
			logger.Errorw("failed to encode response", "error", err.Error())
		}
	}
}

// corsHeaders applies the permissive CORS policy the MCP endpoints expose.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
		next.ServeHTTP(w, r)
	})
}

// unsupportedHTTPMethod answers PUT/DELETE and friends on /mcp/* with a
// -32002 hint.
func unsupportedHTTPMethod(w http.ResponseWriter, r *http.Request) {
	writeJSONRPCError(w, http.StatusBadRequest, protocol.CodeUnsupportedHTTPMethod,
		"unsupported HTTP method "+r.Method+"; use GET for streams and POST for JSON-RPC")
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	msg, err := protocol.NewErrorMessage(nil, code, message, nil)
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// requestLogger logs one line per request with latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
