package workload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned when a task type has no registered builder.
var ErrUnknownType = errors.New("unknown task type")

// Registry holds the builders for all task types the service accepts.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty task type registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder for the given task type, replacing any existing one.
func (r *Registry) Register(taskType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[taskType] = b
}

// Resolve returns the builder for the given task type, or an error wrapping
// ErrUnknownType when none is registered.
func (r *Registry) Resolve(taskType string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.builders[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	return b, nil
}

// Types returns all registered task types, sorted by name for a stable API
// response.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.builders))
	for taskType := range r.builders {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}
