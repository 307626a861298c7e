package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PromptHandler renders a prompt. The return value becomes the prompts/get
// result.
type PromptHandler func(ctx context.Context, args map[string]any) (any, error)

// Prompt is a registered prompt definition. The JSON Schema in InputSchema
// is projected to the MCP "arguments" array form on list.
type Prompt struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     PromptHandler
}

// PromptProvider is the full-object registration style for prompts.
type PromptProvider interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// PromptRegistry holds registered prompts.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]*Prompt
}

// NewPromptRegistry creates an empty PromptRegistry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]*Prompt)}
}

// Register adds a prompt definition.
func (r *PromptRegistry) Register(prompt *Prompt) error {
	if prompt.Name == "" {
		return fmt.Errorf("registry: prompt name is required")
	}
	if prompt.Handler == nil {
		return fmt.Errorf("registry: prompt %q has no handler", prompt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[prompt.Name]; exists {
		return duplicateErr("prompt", prompt.Name)
	}
	r.prompts[prompt.Name] = prompt
	return nil
}

// RegisterProvider adds a prompt from a PromptProvider.
func (r *PromptRegistry) RegisterProvider(p PromptProvider) error {
	return r.Register(&Prompt{
		Name:        p.Name(),
		Description: p.Description(),
		InputSchema: p.InputSchema(),
		Handler:     p.Execute,
	})
}

// Get returns a prompt definition by name.
func (r *PromptRegistry) Get(name string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prompt, ok := r.prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: prompt %q", ErrNotRegistered, name)
	}
	return prompt, nil
}

// List projects the registered prompts to MCP wire format, transforming each
// input schema into the "arguments" array by walking properties/required.
func (r *PromptRegistry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.prompts))
	for _, prompt := range r.prompts {
		out = append(out, map[string]any{
			"name":        prompt.Name,
			"description": prompt.Description,
			"arguments":   schemaToArguments(prompt.InputSchema),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	return out
}

// Execute runs a prompt handler.
func (r *PromptRegistry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	prompt, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return prompt.Handler(ctx, args)
}

// schemaToArguments converts a JSON Schema object into the MCP prompt
// arguments list: [{name, description, required, type}].
func schemaToArguments(schema map[string]any) []map[string]any {
	args := []map[string]any{}
	if schema == nil {
		return args
	}

	properties, _ := schema["properties"].(map[string]any)
	if properties == nil {
		return args
	}

	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	} else if list, ok := schema["required"].([]string); ok {
		for _, name := range list {
			required[name] = true
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		arg := map[string]any{
			"name":     name,
			"required": required[name],
		}
		if prop, ok := properties[name].(map[string]any); ok {
			if desc, ok := prop["description"].(string); ok {
				arg["description"] = desc
			}
			if typ, ok := prop["type"].(string); ok {
				arg["type"] = typ
			}
		}
		args = append(args, arg)
	}
	return args
}
