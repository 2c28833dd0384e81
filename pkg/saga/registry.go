package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves the saga type stored with each record to its plan.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds def. Registering the same name twice is an error.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalidDefinition, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSagaType, name)
	}
	return def, nil
}

// Names returns the registered saga types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
