// Package engine implements the JSON-RPC dispatch core: envelope
// validation, initialize, the method table, and the queued-response
// discipline where every non-initialize result is enqueued to storage
// for stream delivery.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/agencyhub/mcpgate/pkg/auth"
	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/protocol"
	"github.com/agencyhub/mcpgate/pkg/registry"
	"github.com/agencyhub/mcpgate/pkg/session"
	"github.com/agencyhub/mcpgate/pkg/storage"
	"github.com/agencyhub/mcpgate/pkg/telemetry"
)

// CompletionFunc produces completion values for completions/complete.
type CompletionFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Config parameterizes the engine.
type Config struct {
	ServerName    string
	ServerVersion string

	// SupportedVersions is ordered newest first. Defaults to all known
	// protocol versions.
	SupportedVersions []string

	// Completions backs completions/complete. When nil an empty
	// completion list is returned.
	Completions CompletionFunc
}

// HTTPResult is what the HTTP layer writes back for a handled message.
type HTTPResult struct {
	Status int
	// Body is serialized as JSON when non-nil. Notifications produce a
	// 202 with an empty body.
	Body any
	// SessionID is set on successful initialize and becomes the
	// Mcp-Session-Id response header.
	SessionID string
}

// Engine dispatches JSON-RPC messages for one server instance.
type Engine struct {
	store       storage.Storage
	sessions    *session.Manager
	registry    *registry.Registry
	negotiator  *protocol.Negotiator
	config      Config
	completions CompletionFunc
}

// New creates an engine.
func New(store storage.Storage, sessions *session.Manager, reg *registry.Registry, config Config) *Engine {
	versions := config.SupportedVersions
	if len(versions) == 0 {
		versions = protocol.DefaultSupportedVersions
	}
	return &Engine{
		store:       store,
		sessions:    sessions,
		registry:    reg,
		negotiator:  protocol.NewNegotiator(versions),
		config:      config,
		completions: config.Completions,
	}
}

var queuedAck = map[string]string{"status": "queued"}

// Handle processes one JSON-RPC message body. sessionID comes from the
// Mcp-Session-Id header or the trailing URL segment and may be empty for
// initialize.
func (e *Engine) Handle(ctx context.Context, rc *auth.RequestContext, sessionID string, body []byte) HTTPResult {
	if !gjson.ValidBytes(body) {
		return directError(nil, protocol.CodeParseError, "malformed JSON", http.StatusBadRequest)
	}

	parsed := gjson.ParseBytes(body)
	if parsed.Get("jsonrpc").String() != "2.0" {
		return directError(nil, protocol.CodeInvalidRequest, "jsonrpc must be \"2.0\"", http.StatusBadRequest)
	}

	idField := parsed.Get("id")
	if idField.Exists() {
		switch idField.Type {
		case gjson.String, gjson.Number:
		default:
			return directError(nil, protocol.CodeInvalidRequest, "id must be a string or number", http.StatusBadRequest)
		}
	}

	method := parsed.Get("method").String()
	if method == "" {
		return directError(nil, protocol.CodeInvalidRequest, "method is required", http.StatusBadRequest)
	}

	// Requests without an id are notifications: acknowledged, never
	// correlated, never recorded in the request-id set.
	if !idField.Exists() {
		logger.Debugw("notification received", "method", method, "session_id", sessionID)
		return HTTPResult{Status: http.StatusAccepted}
	}

	id := messageID(idField)
	params := []byte(parsed.Get("params").Raw)

	if method == "initialize" {
		return e.handleInitialize(ctx, rc, id, params)
	}

	sess, err := e.sessions.Validate(ctx, sessionID)
	if err != nil {
		return directError(id, protocol.CodeSessionRequired, "valid session required", http.StatusBadRequest)
	}

	added, err := e.sessions.TrackRequestID(ctx, sess.ID, idField.Raw)
	if err != nil {
		return directError(id, protocol.CodeInternalError, "internal error", http.StatusInternalServerError)
	}
	if !added {
		e.enqueueError(ctx, sess, method, id, protocol.NewError(protocol.CodeInvalidRequest, "duplicate request id"))
		return HTTPResult{Status: http.StatusAccepted, Body: queuedAck}
	}

	result, rpcErr := e.dispatch(ctx, sess, method, params)
	if rpcErr != nil {
		e.enqueueError(ctx, sess, method, id, rpcErr)
	} else {
		e.enqueueResult(ctx, sess, method, id, result)
	}
	return HTTPResult{Status: http.StatusAccepted, Body: queuedAck}
}

// handleInitialize is the only synchronous method: it negotiates the
// protocol version, creates the session, and returns the result directly.
func (e *Engine) handleInitialize(ctx context.Context, rc *auth.RequestContext, id any, params []byte) HTTPResult {
	clientVersion := gjson.GetBytes(params, "protocolVersion").String()
	if clientVersion == "" {
		return directError(id, protocol.CodeInvalidParams, "protocolVersion is required", http.StatusBadRequest)
	}

	negotiated := e.negotiator.Negotiate(clientVersion)

	var agencyID int64
	var userID string
	if rc != nil && rc.Tenant != nil {
		agencyID = rc.Tenant.ID
	}
	if rc != nil && rc.Token != nil {
		userID = rc.Token.UserID
	}

	sess, err := e.sessions.Create(ctx, negotiated, agencyID, userID)
	if err != nil {
		logger.Errorw("failed to create session", "error", err.Error())
		return directError(id, protocol.CodeInternalError, "failed to create session", http.StatusInternalServerError)
	}

	logger.Infow("session initialized",
		"session_id", sess.ID,
		"protocol_version", negotiated,
		"agency_id", agencyID,
	)

	response, err := protocol.NewResponseMessage(id, map[string]any{
		"protocolVersion": negotiated,
		"serverInfo": map[string]string{
			"name":    e.config.ServerName,
			"version": e.config.ServerVersion,
		},
		"capabilities": capabilitiesFor(negotiated),
	})
	if err != nil {
		return directError(id, protocol.CodeInternalError, "internal error", http.StatusInternalServerError)
	}
	return HTTPResult{Status: http.StatusOK, Body: response, SessionID: sess.ID}
}

// capabilitiesFor builds the version-conditional capabilities object.
func capabilitiesFor(version string) map[string]any {
	caps := map[string]any{
		"tools":     map[string]any{"listChanged": true},
		"prompts":   map[string]any{"listChanged": true},
		"resources": map[string]any{"subscribe": false, "listChanged": true},
		"logging":   map[string]any{},
		"roots":     map[string]any{"listChanged": true},
		"sampling":  map[string]any{},
		"ping":      map[string]any{},
	}
	if protocol.SupportsCompletions(version) {
		caps["completions"] = map[string]any{}
		caps["toolAnnotations"] = true
		caps["audioContent"] = true
	}
	if protocol.SupportsStructuredOutput(version) {
		caps["elicitation"] = map[string]any{}
		caps["structuredOutputs"] = true
		caps["resourceLinks"] = true
	}
	return caps
}

// messageID converts the raw id field to its Go representation.
func messageID(field gjson.Result) any {
	if field.Type == gjson.String {
		return field.String()
	}
	return field.Num
}

func directError(id any, code int, message string, status int) HTTPResult {
	msg, err := protocol.NewErrorMessage(id, code, message, nil)
	if err != nil {
		return HTTPResult{Status: http.StatusInternalServerError}
	}
	return HTTPResult{Status: status, Body: msg}
}

func (e *Engine) enqueueResult(ctx context.Context, sess *storage.Session, method string, id any, result any) {
	msg, err := protocol.NewResponseMessage(id, result)
	if err != nil {
		e.enqueueError(ctx, sess, method, id, protocol.NewError(protocol.CodeInternalError, "failed to encode result"))
		return
	}
	e.enqueue(ctx, sess, method, msg, "ok")
}

func (e *Engine) enqueueError(ctx context.Context, sess *storage.Session, method string, id any, rpcErr *protocol.JSONRPCError) {
	logger.Warnw("request failed",
		"session_id", sess.ID,
		"method", method,
		"code", rpcErr.Code,
	)
	var data any
	if len(rpcErr.Data) > 0 {
		data = rpcErr.Data
	}
	msg, err := protocol.NewErrorMessage(id, rpcErr.Code, rpcErr.Message, data)
	if err != nil {
		return
	}
	e.enqueue(ctx, sess, method, msg, "error")
	e.notifyLog(ctx, sess, "error", method+": "+rpcErr.Message)
}

// logSeverity orders the RFC 5424 subset accepted by logging/setLevel.
var logSeverity = map[string]int{
	"debug":     0,
	"info":      1,
	"notice":    2,
	"warning":   3,
	"error":     4,
	"critical":  5,
	"alert":     6,
	"emergency": 7,
}

// notifyLog streams a notifications/message frame to sessions that opted in
// through logging/setLevel. Sessions without a level receive nothing.
func (e *Engine) notifyLog(ctx context.Context, sess *storage.Session, level, message string) {
	threshold, ok := logSeverity[sess.LogLevel]
	if !ok || logSeverity[level] < threshold {
		return
	}
	msg, err := protocol.NewNotificationMessage("notifications/message", map[string]any{
		"level":  level,
		"logger": e.config.ServerName,
		"data":   message,
	})
	if err != nil {
		return
	}
	e.enqueue(ctx, sess, "notifications/message", msg, "notification")
}

func (e *Engine) enqueue(ctx context.Context, sess *storage.Session, method string, msg *protocol.JSONRPCMessage, outcome string) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Errorw("failed to marshal queued message", "error", err.Error())
		return
	}
	if _, err := e.store.EnqueueMessage(ctx, sess.ID, payload); err != nil {
		logger.Errorw("failed to enqueue message",
			"session_id", sess.ID,
			"method", method,
			"error", err.Error(),
		)
		telemetry.MessagesDropped.Inc()
		return
	}
	telemetry.MessagesEnqueued.WithLabelValues(method).Inc()
	telemetry.RequestsDispatched.WithLabelValues(method, outcome).Inc()
}

// ForwardToClient enqueues a server-originated JSON-RPC request and returns
// its generated request id. The client answer comes back as a */response
// call correlated through the OOB store.
func (e *Engine) ForwardToClient(ctx context.Context, sess *storage.Session, method string, params json.RawMessage) (string, error) {
	requestID := uuid.NewString()
	msg, err := protocol.NewRequestMessage(method, json.RawMessage(params), requestID)
	if err != nil {
		return "", fmt.Errorf("failed to build %s request: %w", method, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if _, err := e.store.EnqueueMessage(ctx, sess.ID, payload); err != nil {
		return "", err
	}
	telemetry.MessagesEnqueued.WithLabelValues(method).Inc()
	return requestID, nil
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
