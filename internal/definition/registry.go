package definition

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/machina/pkg/schema"
)

// Registry is the in-memory definition catalog. It satisfies the engine's
// DefinitionSource and is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*schema.WorkflowDefinition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*schema.WorkflowDefinition)}
}

// Register validates and stores a definition, replacing any previous
// version under the same name.
func (r *Registry) Register(def *schema.WorkflowDefinition) error {
	if err := ValidateStructure(def).ToError(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Definition resolves a workflow by name.
func (r *Registry) Definition(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return def, nil
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
