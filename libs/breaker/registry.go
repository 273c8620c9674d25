package breaker

import "sync"

// Registry holds one breaker per dependency name. It is injected into
// whatever needs a breaker; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	observer Observer
	breakers map[string]*Breaker
}

func NewRegistry(defaults Config, observer Observer) *Registry {
	return &Registry{
		defaults: defaults,
		observer: observer,
		breakers: map[string]*Breaker{},
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults on first use. Callers always receive the same instance for
// the same name.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, r.defaults)
}

// GetWith is Get with a per-dependency config. The config only applies
// when the breaker is created; later calls return the existing instance.
func (r *Registry) GetWith(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.observer)
	r.breakers[name] = b
	return b
}

// Names returns the registered dependency names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
