// Package registry is the closed-world catalog of permitted RPC methods.
// It is built once from a static, code-embedded catalog and never mutated
// afterward; lookups are lock-free map reads.
package registry

import (
	"sort"

	"rpcgate/pkg/models"
)

// Registry answers "is this method permitted, which permissions does it
// need, which parameter rules apply, is it cacheable?" in O(1).
type Registry struct {
	methods map[string]models.MethodDefinition
}

// New builds a Registry from the given definitions. A definition with a
// duplicate name panics at startup — the registry's uniqueness invariant is
// a load-time programming error, not a runtime condition.
func New(defs ...models.MethodDefinition) *Registry {
	m := make(map[string]models.MethodDefinition, len(defs))
	for _, d := range defs {
		if _, exists := m[d.Name]; exists {
			panic("registry: duplicate method name " + d.Name)
		}
		m[d.Name] = d
	}
	return &Registry{methods: m}
}

// Default builds the registry from the embedded catalog (core, blocks,
// transactions, write, identity, currency, utility).
func Default() *Registry {
	var all []models.MethodDefinition
	all = append(all, coreMethods()...)
	all = append(all, blockMethods()...)
	all = append(all, transactionMethods()...)
	all = append(all, writeMethods()...)
	all = append(all, identityMethods()...)
	all = append(all, currencyMethods()...)
	all = append(all, utilityMethods()...)
	return New(all...)
}

// Lookup returns the method definition, or ok=false if the method is absent
// or disabled. Disabled methods are treated as not present per §4.1.
func (r *Registry) Lookup(name string) (models.MethodDefinition, bool) {
	def, ok := r.methods[name]
	if !ok || !def.Enabled {
		return models.MethodDefinition{}, false
	}
	return def, true
}

// Enumerate returns all enabled method definitions sorted by name, for
// diagnostics.
func (r *Registry) Enumerate() []models.MethodDefinition {
	out := make([]models.MethodDefinition, 0, len(r.methods))
	for _, d := range r.methods {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
