package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Registry maps command names to handlers. Registration happens once during
// startup; after Freeze the registry is an immutable snapshot and further
// registration panics.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a typed handler to its command name through a boxed
// trampoline. Registering the same name twice is a wiring bug and panics.
func Register[C Command, O any](r *Registry, handle func(ctx context.Context, rc *reqctx.Ctx, cmd C) (O, error)) {
	var zero C
	name := zero.CommandName()
	trampoline := func(ctx context.Context, req *Request) (*Response, error) {
		cmd, ok := req.Command.(C)
		if !ok {
			return nil, apperr.Internal(fmt.Sprintf("command %q has unexpected type %T", req.Name, req.Command), nil)
		}
		out, err := handle(ctx, req.Ctx, cmd)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, apperr.Internal(fmt.Sprintf("encode output of command %q", req.Name), err)
		}
		return &Response{Output: out, Encoded: encoded}, nil
	}
	r.add(name, trampoline)
}

func (r *Registry) add(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("bus: Register after Freeze")
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("bus: command %q registered twice", name))
	}
	r.handlers[name] = h
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Registered reports whether a handler exists for the name.
func (r *Registry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names lists the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
