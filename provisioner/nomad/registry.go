package nomad

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry holds the providers known to the orchestrator, by name.
type Registry struct {
	mutex     sync.RWMutex
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

func (r *Registry) Register(p *Provider) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("provider '%s' already exists", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Replace registers a provider, replacing any provider with the same name.
func (r *Registry) Replace(p *Provider) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.providers[p.Name()] = p
}

func (r *Registry) Remove(name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.providers[name]; !ok {
		return false
	}
	delete(r.providers, name)
	return true
}

func (r *Registry) Get(name string) (*Provider, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	p, ok := r.providers[name]
	return p, ok
}

// Providers returns all providers, sorted by name.
func (r *Registry) Providers() []*Provider {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	providers := lo.Values(r.providers)
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name() < providers[j].Name() })
	return providers
}
