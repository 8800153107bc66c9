package transaction

import (
	"maps"
	"path"
	"slices"
	"sync"
)

// Factory returns a fresh instance for every run.
type Factory func() Transaction

// Registry maps job sources, relative to the transactions directory, to
// the transactions they define. A source may define more than one.
type Registry struct {
	mx        sync.RWMutex
	factories map[string][]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string][]Factory)}
}

func (r *Registry) Register(relPath string, f Factory) {
	key := path.Clean(relPath)
	r.mx.Lock()
	defer r.mx.Unlock()
	r.factories[key] = append(r.factories[key], f)
}

func (r *Registry) Lookup(relPath string) []Factory {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Clone(r.factories[path.Clean(relPath)])
}

// Sources returns the registered sources in lexical order.
func (r *Registry) Sources() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

var defaultRegistry = NewRegistry()

// Register adds a transaction defined in relPath to the registry compiled
// into the binary. Transactions call it from init.
func Register(relPath string, f Factory) {
	defaultRegistry.Register(relPath, f)
}

func Default() *Registry {
	return defaultRegistry
}
