package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agencyhub/mcpgate/pkg/protocol"
)

// ToolHandler executes a tool call. The tenant and session are carried in
// ctx; the return value is wrapped into MCP content by the engine.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolAnnotations are behavior hints attached to a tool definition,
// available on the wire from protocol 2025-03-26 onward.
type ToolAnnotations struct {
	ReadOnlyHint             bool `json:"readOnlyHint,omitempty"`
	DestructiveHint          bool `json:"destructiveHint,omitempty"`
	IdempotentHint           bool `json:"idempotentHint,omitempty"`
	OpenWorldHint            bool `json:"openWorldHint,omitempty"`
	Experimental             bool `json:"experimental,omitempty"`
	RequiresUserConfirmation bool `json:"requiresUserConfirmation,omitempty"`
	Sensitive                bool `json:"sensitive,omitempty"`
}

// Tool is a registered tool definition.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema object; incoming arguments are
	// validated against it before the handler runs.
	InputSchema map[string]any

	// OutputSchema, when set, marks the tool as producing structured
	// output (wire-visible from 2025-06-18).
	OutputSchema map[string]any

	Annotations *ToolAnnotations
	Handler     ToolHandler
}

// ToolProvider is the full-object registration style: a value that carries
// its own metadata and execution.
type ToolProvider interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	Annotations() *ToolAnnotations
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ToolRegistry holds registered tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds a tool definition.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("registry: tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return duplicateErr("tool", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// RegisterProvider adds a tool from a ToolProvider.
func (r *ToolRegistry) RegisterProvider(p ToolProvider) error {
	return r.Register(&Tool{
		Name:         p.Name(),
		Description:  p.Description(),
		InputSchema:  p.InputSchema(),
		OutputSchema: p.OutputSchema(),
		Annotations:  p.Annotations(),
		Handler:      p.Execute,
	})
}

// Get returns a tool definition by name.
func (r *ToolRegistry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", ErrNotRegistered, name)
	}
	return tool, nil
}

// List projects the registered tools to MCP wire format for the given
// protocol version: annotations appear from 2025-03-26, outputSchema from
// 2025-06-18. Entries are sorted by name for stable output.
func (r *ToolRegistry) List(version string) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.tools))
	for _, tool := range r.tools {
		entry := map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": tool.InputSchema,
		}
		if entry["inputSchema"] == nil {
			entry["inputSchema"] = map[string]any{"type": "object"}
		}
		if protocol.SupportsAnnotations(version) && tool.Annotations != nil {
			entry["annotations"] = tool.Annotations
		}
		if protocol.SupportsStructuredOutput(version) && tool.OutputSchema != nil {
			entry["outputSchema"] = tool.OutputSchema
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	return out
}

// Execute validates args against the tool's input schema and runs its
// handler. Schema violations surface as *protocol.JSONRPCError with
// CodeInvalidParams so the engine can queue them verbatim.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (any, *Tool, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, nil, err
	}

	if tool.InputSchema != nil {
		if err := validateArgs(tool.InputSchema, args); err != nil {
			return nil, tool, err
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return nil, tool, err
	}
	return result, tool, nil
}

func validateArgs(schema map[string]any, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return protocol.NewError(protocol.CodeInvalidParams,
			"Invalid params: "+strings.Join(details, "; "))
	}
	return nil
}
