package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chainreact/flowd/pkg/schema"
)

// Registry is the concrete thread-safe NodeRegistry implementation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	nodeType := h.Type()
	if nodeType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", nodeType)
	}

	r.handlers[nodeType] = h
	return nil
}

// Get retrieves a handler by node type.
func (r *Registry) Get(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node type %q not registered", nodeType)
	}
	return h, nil
}

// List returns info for all registered node types, sorted by type.
func (r *Registry) List() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]NodeInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		s := h.Schema()
		infos = append(infos, NodeInfo{
			Type:        h.Type(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// RegisterProvider bulk-registers handlers under a prefixed namespace.
// Each type becomes "prefix.originalType" (e.g. "slack.post_message").
func (r *Registry) RegisterProvider(prefix string, handlers []Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, h := range handlers {
		prefixed := fmt.Sprintf("%s.%s", prefix, h.Type())
		if _, exists := r.handlers[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider node type %q already registered", prefixed)
		}
		r.handlers[prefixed] = &prefixedHandler{inner: h, nodeType: prefixed}
		registered++
	}
	return registered, nil
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}

// Count returns the number of registered node types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// prefixedHandler wraps a provider handler with a prefixed type name.
type prefixedHandler struct {
	inner    Handler
	nodeType string
}

func (p *prefixedHandler) Type() string                         { return p.nodeType }
func (p *prefixedHandler) Schema() NodeSchema                   { return p.inner.Schema() }
func (p *prefixedHandler) Validate(config map[string]any) error { return p.inner.Validate(config) }

func (p *prefixedHandler) Run(ctx context.Context, req Request) (*Result, error) {
	return p.inner.Run(ctx, req)
}
