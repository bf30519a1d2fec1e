// Package moduledef holds the behavioral half of a domain module: its
// identity and its processMetadata policy (spec.md §4.1). The storage half
// is internal/registry/module.Store, shared by every module instance.
package moduledef

import "fmt"

// Definition is the per-module behavioral contract. Concrete modules
// (internal/plugin/module/technical, .../personal, ...) are distinct types
// satisfying this interface — composition over inheritance, per spec.md §9.
type Definition interface {
	// ID is the stable module identifier used as the storage partition key
	// and in CMI index rows.
	ID() string
	DisplayName() string
	Description() string

	// ProcessMetadata enriches userMetadata with auto-computed fields
	// (category, entities, signals, importance). Caller-supplied keys always
	// win; auto-computed fields fill only absent keys (spec.md §4.1).
	ProcessMetadata(content string, userMetadata map[string]interface{}) map[string]interface{}

	// Taxonomy returns the fixed per-module category vocabulary used by
	// auto-categorization keyword scoring.
	Taxonomy() map[string][]string
}

var defs []Definition

// Register adds a module definition. Called from each module package's init().
func Register(d Definition) {
	defs = append(defs, d)
}

// All returns every registered module definition, in registration order.
func All() []Definition {
	out := make([]Definition, len(defs))
	copy(out, defs)
	return out
}

// Names returns the IDs of every registered module definition.
func Names() []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.ID()
	}
	return names
}

// Get returns the definition for the given module id.
func Get(id string) (Definition, error) {
	for _, d := range defs {
		if d.ID() == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("unknown module %q; valid: %v", id, Names())
}
