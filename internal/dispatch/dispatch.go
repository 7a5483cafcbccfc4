package dispatch

import (
	"context"
	"sync"
)

// Invocation is what a resolved target receives: the original input and
// trace id, untouched by routing.
type Invocation struct {
	Process string         `json:"process"`
	Variant string         `json:"variant"`
	Target  string         `json:"target"`
	TraceID string         `json:"trace_id"`
	ActorID string         `json:"actor_id"`
	Context map[string]any `json:"context,omitempty"`
	Input   map[string]any `json:"input"`
}

// TargetFunc is an invokable process implementation.
type TargetFunc func(ctx context.Context, inv Invocation) (any, error)

// Registry maps stable target addresses to compiled handlers. No runtime
// code loading: every target is registered at startup.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]TargetFunc
}

func NewRegistry() *Registry {
	return &Registry{targets: map[string]TargetFunc{}}
}

func (r *Registry) Register(address string, fn TargetFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[address] = fn
}

// Lookup returns the handler registered at address.
func (r *Registry) Lookup(address string) (TargetFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.targets[address]
	return fn, ok
}

// Request is the single logical entry point shape for any business process.
type Request struct {
	Process string
	Context map[string]any
	Input   map[string]any
	TraceID string
	ActorID string
}

// Dispatcher resolves a process to a variant and forwards execution. It
// holds no business logic: variant changes are manifest edits, never code.
type Dispatcher struct {
	Resolver *Resolver
	Targets  *Registry
}

func New(resolver *Resolver, targets *Registry) *Dispatcher {
	return &Dispatcher{Resolver: resolver, Targets: targets}
}

// Dispatch fails fast on unknown processes and invalid input before any
// downstream call; target failures are propagated unmodified.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Resolution, any, error) {
	res, err := d.Resolver.Resolve(ctx, req.Process, req.Context, req.Input, req.TraceID)
	if err != nil {
		return Resolution{}, nil, err
	}
	fn, ok := d.Targets.Lookup(res.Target)
	if !ok {
		return res, nil, UnknownTargetError{Process: req.Process, Target: res.Target}
	}
	out, err := fn(ctx, Invocation{
		Process: res.Process,
		Variant: res.Variant,
		Target:  res.Target,
		TraceID: req.TraceID,
		ActorID: req.ActorID,
		Context: req.Context,
		Input:   req.Input,
	})
	return res, out, err
}
