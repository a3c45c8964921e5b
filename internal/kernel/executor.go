package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/spanledger/internal/model"
)

// Func is a loaded entry point. event is the opaque bootstrap input.
type Func func(ctx context.Context, kc *Context, event any) (any, error)

// Executor turns a verified function span into something runnable. Load
// must not run the code.
type Executor interface {
	Load(fn model.Span) (Func, error)
}

// Runtime names recognized in a function span's metadata.runtime.
const (
	RuntimeGo  = "go"
	RuntimeCUE = "cue"
)

// Registry resolves function spans to Go entry points registered at startup.
// The lookup key is the span's code, falling back to its id, so a function
// span can name the entry point it wants.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any earlier binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names lists registered entry points in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load implements Executor.
func (r *Registry) Load(fn model.Span) (Func, error) {
	key := fn.Code
	if key == "" {
		key = fn.ID
	}
	r.mu.RLock()
	f, ok := r.funcs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kernel: no entry point %q registered", key)
	}
	return f, nil
}

// Runtimes dispatches on metadata.runtime; an absent runtime means RuntimeGo.
type Runtimes map[string]Executor

// Load implements Executor.
func (rt Runtimes) Load(fn model.Span) (Func, error) {
	name := RuntimeGo
	if v, ok := fn.MetadataMap()["runtime"].(string); ok && v != "" {
		name = v
	}
	exec, ok := rt[name]
	if !ok {
		return nil, fmt.Errorf("kernel: unknown runtime %q", name)
	}
	return exec.Load(fn)
}
