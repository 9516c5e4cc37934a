package training

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Backend.
type Factory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// Register makes a backend available by name. It panics if the name is taken or
// the factory is nil, and is meant to be called from package init functions.
func Register(name string, factory Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("training: Register factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("training: Register called twice for backend " + name)
	}
	backends[name] = factory
}

// NewBackend creates the backend registered under name.
func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, Backends())
	}
	return factory(), nil
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
