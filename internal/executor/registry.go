package executor

import (
	"github.com/joao-brasil/store-backend/internal/pool"
)

// Registry holds one executor per backend of a pool manager.
type Registry struct {
	execs map[string]*Executor
	names []string
}

// NewRegistry builds an executor for every pool in m.
func NewRegistry(m *pool.Manager, opts Options) *Registry {
	r := &Registry{execs: make(map[string]*Executor)}
	for _, name := range m.Names() {
		p, _ := m.Pool(name)
		r.execs[name] = New(p, opts)
		r.names = append(r.names, name)
	}
	return r
}

// Get returns the executor for the named backend.
func (r *Registry) Get(name string) (*Executor, bool) {
	e, ok := r.execs[name]
	return e, ok
}

// Names returns the backend names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
