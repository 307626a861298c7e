// Package registry holds the tool, prompt, and resource registries the
// JSON-RPC engine dispatches into. Registries are populated at startup and
// read-only afterwards; listing projects entries to MCP wire format gated by
// the session's negotiated protocol version.
package registry

import (
	"errors"
	"fmt"
)

// ErrNotRegistered is returned when dispatch names an unknown entry.
var ErrNotRegistered = errors.New("registry: not registered")

// Registry bundles the three MCP registries.
type Registry struct {
	Tools     *ToolRegistry
	Prompts   *PromptRegistry
	Resources *ResourceRegistry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		Tools:     NewToolRegistry(),
		Prompts:   NewPromptRegistry(),
		Resources: NewResourceRegistry(),
	}
}

func duplicateErr(kind, name string) error {
	return fmt.Errorf("registry: %s %q already registered", kind, name)
}
