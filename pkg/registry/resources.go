package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ResourceHandler reads a resource. For template entries the handler
// receives the fully resolved URI.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// Resource is a registered resource: either a static URI or a URI template
// with {placeholder} parameters.
type Resource struct {
	// URI is the static identifier. Mutually exclusive with URITemplate.
	URI string

	// URITemplate contains {name} placeholders. Each placeholder matches
	// a single path segment, except a trailing placeholder which matches
	// the rest of the URI.
	URITemplate string

	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler
}

// ResourceProvider is the full-object registration style for resources.
type ResourceProvider interface {
	URI() string
	URITemplate() string
	Name() string
	Description() string
	MimeType() string
	Read(ctx context.Context, uri string) (any, error)
}

// ResourceRegistry holds registered resources, static entries separate from
// templates.
type ResourceRegistry struct {
	mu        sync.RWMutex
	static    map[string]*Resource
	templates []*Resource
}

// NewResourceRegistry creates an empty ResourceRegistry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{static: make(map[string]*Resource)}
}

// Register adds a resource definition.
func (r *ResourceRegistry) Register(res *Resource) error {
	if res.Handler == nil {
		return fmt.Errorf("registry: resource %q has no handler", res.Name)
	}
	if (res.URI == "") == (res.URITemplate == "") {
		return fmt.Errorf("registry: resource %q needs exactly one of URI or URITemplate", res.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if res.URI != "" {
		if _, exists := r.static[res.URI]; exists {
			return duplicateErr("resource", res.URI)
		}
		r.static[res.URI] = res
		return nil
	}
	for _, t := range r.templates {
		if t.URITemplate == res.URITemplate {
			return duplicateErr("resource template", res.URITemplate)
		}
	}
	r.templates = append(r.templates, res)
	return nil
}

// RegisterProvider adds a resource from a ResourceProvider.
func (r *ResourceRegistry) RegisterProvider(p ResourceProvider) error {
	return r.Register(&Resource{
		URI:         p.URI(),
		URITemplate: p.URITemplate(),
		Name:        p.Name(),
		Description: p.Description(),
		MimeType:    p.MimeType(),
		Handler:     p.Read,
	})
}

// List projects the static resources to MCP wire format.
func (r *ResourceRegistry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.static))
	for _, res := range r.static {
		out = append(out, resourceEntry("uri", res.URI, res))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["uri"].(string) < out[j]["uri"].(string)
	})
	return out
}

// ListTemplates projects the template resources to MCP wire format under
// the resourceTemplates key shape.
func (r *ResourceRegistry) ListTemplates() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.templates))
	for _, res := range r.templates {
		out = append(out, resourceEntry("uriTemplate", res.URITemplate, res))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["uriTemplate"].(string) < out[j]["uriTemplate"].(string)
	})
	return out
}

// Read resolves a URI against the registry: exact match first, then the
// templates in registration order, first match wins.
func (r *ResourceRegistry) Read(ctx context.Context, uri string) (any, *Resource, error) {
	r.mu.RLock()
	res, ok := r.static[uri]
	if !ok {
		for _, t := range r.templates {
			if _, matched := MatchTemplate(t.URITemplate, uri); matched {
				res = t
				break
			}
		}
	}
	r.mu.RUnlock()

	if res == nil {
		return nil, nil, fmt.Errorf("%w: resource %q", ErrNotRegistered, uri)
	}
	result, err := res.Handler(ctx, uri)
	if err != nil {
		return nil, res, err
	}
	return result, res, nil
}

func resourceEntry(uriKey, uriValue string, res *Resource) map[string]any {
	entry := map[string]any{
		uriKey: uriValue,
		"name": res.Name,
	}
	if res.Description != "" {
		entry["description"] = res.Description
	}
	if res.MimeType != "" {
		entry["mimeType"] = res.MimeType
	}
	return entry
}

// MatchTemplate matches uri against a template with {name} placeholders.
// A placeholder matches a single non-slash segment, except a trailing
// placeholder which consumes the remainder. Returns the captured parameters
// and whether the template matched.
func MatchTemplate(template, uri string) (map[string]string, bool) {
	params := map[string]string{}
	rest := uri
	tmpl := template

	for {
		open := strings.Index(tmpl, "{")
		if open < 0 {
			if tmpl == rest {
				return params, true
			}
			return nil, false
		}
		close := strings.Index(tmpl[open:], "}")
		if close < 0 {
			return nil, false
		}
		close += open

		literal := tmpl[:open]
		if !strings.HasPrefix(rest, literal) {
			return nil, false
		}
		rest = rest[len(literal):]

		name := tmpl[open+1 : close]
		tmpl = tmpl[close+1:]

		if tmpl == "" {
			// Trailing placeholder consumes the remainder.
			if rest == "" {
				return nil, false
			}
			params[name] = rest
			return params, true
		}

		// Match up to the next literal character, staying within one
		// path segment.
		next := tmpl[0]
		idx := strings.IndexByte(rest, next)
		if idx <= 0 {
			return nil, false
		}
		value := rest[:idx]
		if strings.ContainsRune(value, '/') {
			return nil, false
		}
		params[name] = value
		rest = rest[idx:]
	}
}
