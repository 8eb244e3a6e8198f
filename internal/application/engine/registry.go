package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// ErrEngineNotFound is returned when a named backend has no adapter
// registered, and when "auto" cannot find any engine willing to claim
// the file.
var ErrEngineNotFound = errors.New("engine: backend not registered")

// Registry is a thread-safe catalog of extraction-backend adapters,
// following the same Register/Get/List shape as the workflow executor
// registry this project is grounded on.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds or replaces the adapter for a backend name.
func (r *Registry) Register(e Engine) error {
	if e == nil || e.Name() == "" {
		return fmt.Errorf("engine: cannot register nil or unnamed engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
	return nil
}

// Get resolves a backend by exact name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	return e, nil
}

// List returns every registered backend name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// Resolve picks the engine to run for a (backend, filePath) pair. An
// explicit backend resolves directly; "auto" probes registered
// domain-format engines first, then walks autoOrder, returning the
// first engine that claims the file.
func (r *Registry) Resolve(backend, filePath string) (Engine, error) {
	if backend != "" && backend != "auto" {
		return r.Get(backend)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	fixed := make(map[string]bool, len(autoOrder))
	for _, name := range autoOrder {
		fixed[name] = true
	}
	// Domain-format engines are probed in sorted-name order so auto
	// dispatch stays deterministic regardless of registration order.
	domainNames := make([]string, 0, len(r.engines))
	for name := range r.engines {
		if !fixed[name] {
			domainNames = append(domainNames, name)
		}
	}
	sort.Strings(domainNames)
	for _, name := range domainNames {
		if e := r.engines[name]; e.Supports(filePath) {
			return e, nil
		}
	}
	for _, name := range autoOrder {
		if e, ok := r.engines[name]; ok && e.Supports(filePath) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: no engine supports %s", ErrEngineNotFound, filePath)
}

// ResolveTask adapts Resolve to the worker's EngineResolver contract, so
// a bare Registry (no dispatch rules configured) can be wired in
// wherever internal/application/dispatch.Router would otherwise go.
func (r *Registry) ResolveTask(task *models.TaskModel, filePath string) (Engine, error) {
	return r.Resolve(task.Backend, filePath)
}
