package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/agencyhub/mcpgate/pkg/protocol"
	"github.com/agencyhub/mcpgate/pkg/registry"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

// dispatch routes a validated, deduplicated request to its handler. The
// session's protocol version gates version-bound methods.
func (e *Engine) dispatch(ctx context.Context, sess *storage.Session, method string, params []byte) (any, *protocol.JSONRPCError) {
	version := sess.ProtocolVersion

	switch method {
	case "ping":
		return map[string]any{"status": "pong", "timestamp": nowTimestamp()}, nil

	case "tools/list":
		return map[string]any{"tools": e.registry.Tools.List(version)}, nil

	case "tools/call":
		return e.handleToolCall(ctx, version, params)

	case "prompts/list":
		return map[string]any{"prompts": e.registry.Prompts.List()}, nil

	case "prompts/get":
		return e.handlePromptGet(ctx, params)

	case "resources/list":
		return map[string]any{"resources": e.registry.Resources.List()}, nil

	case "resources/templates/list":
		return map[string]any{"resourceTemplates": e.registry.Resources.ListTemplates()}, nil

	case "resources/read":
		return e.handleResourceRead(ctx, params)

	case "completions/complete":
		if !protocol.SupportsCompletions(version) {
			return nil, protocol.NewError(protocol.CodeMethodNotFound, "completions/complete requires protocol version 2025-03-26 or later")
		}
		return e.handleCompletion(ctx, params)

	case "elicitation/create":
		if !protocol.SupportsElicitation(version) {
			return nil, protocol.NewError(protocol.CodeMethodNotFound, "elicitation/create requires protocol version 2025-06-18 or later")
		}
		return e.handleForward(ctx, sess, "elicitation/create", params)

	case "sampling/createMessage":
		return e.handleForward(ctx, sess, "sampling/createMessage", params)

	case "roots/list":
		return e.handleForward(ctx, sess, "roots/list", params)

	case "elicitation/response":
		if !protocol.SupportsElicitation(version) {
			return nil, protocol.NewError(protocol.CodeMethodNotFound, "elicitation/response requires protocol version 2025-06-18 or later")
		}
		return e.handleOOBResponse(ctx, sess, storage.OOBElicitation, params)

	case "sampling/response":
		return e.handleOOBResponse(ctx, sess, storage.OOBSampling, params)

	case "roots/response":
		return e.handleOOBResponse(ctx, sess, storage.OOBRoots, params)

	case "logging/setLevel":
		return e.handleSetLevel(ctx, sess, params)

	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method not found: "+method)
	}
}

func (e *Engine) handleToolCall(ctx context.Context, version string, params []byte) (any, *protocol.JSONRPCError) {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool name is required")
	}

	var args map[string]any
	if raw := gjson.GetBytes(params, "arguments").Raw; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "arguments must be an object")
		}
	}

	value, tool, err := e.registry.Tools.Execute(ctx, name, args)
	if err != nil {
		return nil, toRPCError(err, "unknown tool: "+name)
	}
	return wrapToolResult(value, tool, version), nil
}

// wrapToolResult projects a handler return value into the MCP result shape.
func wrapToolResult(value any, tool *registry.Tool, version string) map[string]any {
	// Explicit multi-part results pass through untouched. Handlers build
	// the content slice in whatever element type is convenient.
	if m, ok := value.(map[string]any); ok {
		if c, hasContent := m["content"]; hasContent {
			if rv := reflect.ValueOf(c); rv.Kind() == reflect.Slice {
				return m
			}
		}
	}

	text, err := json.Marshal(value)
	if err != nil {
		text = []byte(`null`)
	}
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}

	if protocol.SupportsStructuredOutput(version) {
		structured := tool.OutputSchema != nil
		var meta map[string]any
		if m, ok := value.(map[string]any); ok {
			meta, _ = m["_meta"].(map[string]any)
			if flag, ok := meta["structured"].(bool); ok && flag {
				structured = true
			}
		}
		if structured {
			result["structuredContent"] = value
		}
		if links, ok := meta["resourceLinks"]; ok {
			result["resourceLinks"] = links
		}
	}
	return result
}

func (e *Engine) handlePromptGet(ctx context.Context, params []byte) (any, *protocol.JSONRPCError) {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "prompt name is required")
	}

	var args map[string]any
	if raw := gjson.GetBytes(params, "arguments").Raw; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "arguments must be an object")
		}
	}

	value, err := e.registry.Prompts.Execute(ctx, name, args)
	if err != nil {
		return nil, toRPCError(err, "unknown prompt: "+name)
	}
	return value, nil
}

func (e *Engine) handleResourceRead(ctx context.Context, params []byte) (any, *protocol.JSONRPCError) {
	uri := gjson.GetBytes(params, "uri").String()
	if uri == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "uri is required")
	}

	value, res, err := e.registry.Resources.Read(ctx, uri)
	if err != nil {
		return nil, toRPCError(err, "unknown resource: "+uri)
	}

	// Handlers returning a full contents array pass through.
	if m, ok := value.(map[string]any); ok {
		if _, hasContents := m["contents"]; hasContents {
			return m, nil
		}
	}

	entry := map[string]any{"uri": uri}
	if res.MimeType != "" {
		entry["mimeType"] = res.MimeType
	}
	switch v := value.(type) {
	case string:
		entry["text"] = v
	default:
		text, err := json.Marshal(v)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, "failed to encode resource")
		}
		entry["text"] = string(text)
	}
	return map[string]any{"contents": []map[string]any{entry}}, nil
}

func (e *Engine) handleCompletion(ctx context.Context, params []byte) (any, *protocol.JSONRPCError) {
	if e.completions == nil {
		return map[string]any{
			"completion": map[string]any{"values": []string{}, "total": 0, "hasMore": false},
		}, nil
	}
	value, err := e.completions(ctx, params)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "completion failed")
	}
	return value, nil
}

// handleForward relays a server-originated request to the client through the
// session queue and hands back the correlation id.
func (e *Engine) handleForward(ctx context.Context, sess *storage.Session, method string, params []byte) (any, *protocol.JSONRPCError) {
	if len(params) == 0 {
		params = []byte(`{}`)
	}
	requestID, err := e.ForwardToClient(ctx, sess, method, params)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to forward request")
	}
	return map[string]any{"status": "forwarded", "requestId": requestID}, nil
}

// handleOOBResponse stores a client answer to a server-originated request.
func (e *Engine) handleOOBResponse(ctx context.Context, sess *storage.Session, kind storage.OOBKind, params []byte) (any, *protocol.JSONRPCError) {
	requestID := gjson.GetBytes(params, "requestId").String()
	if requestID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "requestId is required")
	}
	if err := e.store.StoreOOBResponse(ctx, kind, sess.ID, requestID, json.RawMessage(params)); err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to store response")
	}
	return map[string]any{"status": "accepted"}, nil
}

func (e *Engine) handleSetLevel(ctx context.Context, sess *storage.Session, params []byte) (any, *protocol.JSONRPCError) {
	level := gjson.GetBytes(params, "level").String()
	if _, ok := logSeverity[level]; !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "unknown log level "+level)
	}
	if err := e.sessions.SetLogLevel(ctx, sess, level); err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to persist log level")
	}
	return map[string]any{}, nil
}

// toRPCError maps registry errors to wire errors: validation failures keep
// their code, unregistered names become invalid-params, anything else is
// internal.
func toRPCError(err error, notFoundMessage string) *protocol.JSONRPCError {
	var rpcErr *protocol.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, registry.ErrNotRegistered) {
		return protocol.NewError(protocol.CodeInvalidParams, notFoundMessage)
	}
	return protocol.NewError(protocol.CodeInternalError, err.Error())
}
