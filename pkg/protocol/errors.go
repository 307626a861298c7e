package protocol

// JSON-RPC error codes used across the gateway. The -32000 range holds the
// MCP-specific codes on top of the standard JSON-RPC 2.0 set.
const (
	// CodeParseError indicates malformed JSON in the request body.
	CodeParseError = -32700

	// CodeInvalidRequest indicates an invalid envelope: missing jsonrpc
	// field, null id, or a duplicate request id within a session.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates an unknown method, or a method not
	// available at the session's negotiated protocol version.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates a schema violation or a missing
	// required parameter.
	CodeInvalidParams = -32602

	// CodeInternalError indicates a handler exception or storage failure.
	CodeInternalError = -32603

	// CodeAuthRequired indicates a missing or invalid bearer token, or a
	// resource-binding violation.
	CodeAuthRequired = -32000

	// CodeSessionRequired indicates a missing, expired, or
	// version-mismatched session.
	CodeSessionRequired = -32001

	// CodeUnsupportedHTTPMethod indicates an HTTP verb other than
	// GET/POST/OPTIONS on an MCP endpoint.
	CodeUnsupportedHTTPMethod = -32002
)

// NewError builds a bare JSON-RPC error object.
func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}
