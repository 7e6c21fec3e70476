// internal/jobs/registry.go
package jobs

import (
	"fmt"
	"sort"
	"sync"

	"job-dispatch/internal/domain"
)

// Registry maps job names to descriptors. Jobs are registered once at startup;
// after that the registry is only read.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Descriptor
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*domain.Descriptor),
	}
}

// Register adds a descriptor. It fails with domain.ErrDuplicateName if the name is taken.
func (r *Registry) Register(desc *domain.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[desc.Name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateName, desc.Name)
	}
	r.jobs[desc.Name] = desc
	return nil
}

// MustRegister is Register for static catalogs; it panics on error.
func (r *Registry) MustRegister(descs ...*domain.Descriptor) *Registry {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the descriptor for name or domain.ErrUnknownJob.
func (r *Registry) Lookup(name string) (*domain.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}
	return desc, nil
}

// Names returns all registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
