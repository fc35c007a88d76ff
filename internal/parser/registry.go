package parser

import (
	"fmt"
	"sort"
)

// Registry holds parsers indexed by name.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// DefaultRegistry returns a registry with the built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NewDirectoryParser())
	_ = r.Register(NewMiSeqParser())
	return r
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Parser) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("parser name is empty")
	}
	if _, exists := r.parsers[name]; exists {
		return fmt.Errorf("parser %q already registered", name)
	}
	r.parsers[name] = p
	return nil
}

// Get retrieves a parser by name.
func (r *Registry) Get(name string) (Parser, bool) {
	p, ok := r.parsers[name]
	return p, ok
}

// Names returns the registered parser names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
