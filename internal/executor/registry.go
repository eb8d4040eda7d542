package executor

import (
	"sort"
	"sync"

	"github.com/loomery/loom/pkg/schema"
)

// Registry is a thread-safe lookup of step executors by kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
	}
}

// Register adds an executor. Returns an error on duplicate kind.
func (r *Registry) Register(exec StepExecutor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := exec.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", kind)
	}

	r.executors[kind] = exec
	return nil
}

// Get retrieves an executor by kind.
func (r *Registry) Get(kind string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "executor %q not registered", kind)
	}
	return exec, nil
}

// Has checks whether an executor kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// List returns the registered executor kinds, sorted.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for kind := range r.executors {
		infos = append(infos, Info{Kind: kind})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
