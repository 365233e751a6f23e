// Package runner schedules and executes cells. Execution within one
// session is strictly sequential: cells share a mutable namespace, so at
// most one cell runs at a time, in topological order. Coroutine cells
// suspend the runner without admitting another cell.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/dataflow"
)

// ModuleResolver turns an imported module path into a namespace value.
// The default implementation produces an opaque module object; a real
// environment substitutes one backed by its package store.
type ModuleResolver interface {
	Resolve(ctx context.Context, module string) (cty.Value, error)
}

// ModuleResolverFunc adapts a function to the ModuleResolver interface.
type ModuleResolverFunc func(ctx context.Context, module string) (cty.Value, error)

func (f ModuleResolverFunc) Resolve(ctx context.Context, module string) (cty.Value, error) {
	return f(ctx, module)
}

// Fetcher services fetch() builtins. The default returns a stub object
// without touching the network.
type Fetcher func(ctx context.Context, url string) (cty.Value, error)

// Option configures a Runner.
type Option func(*Runner)

// WithModuleResolver overrides import resolution.
func WithModuleResolver(r ModuleResolver) Option {
	return func(rn *Runner) { rn.resolver = r }
}

// WithFetcher overrides the fetch() implementation.
func WithFetcher(f Fetcher) Option {
	return func(rn *Runner) { rn.fetcher = f }
}

// Runner drives cells through their state machine against a dependency
// graph. It owns the session namespace for the duration of the session:
// every defined name's most recent value, and the table of user-defined
// functions.
type Runner struct {
	graph *dataflow.Graph

	// runMu serializes subgraph runs: one logical thread of control.
	runMu sync.Mutex

	// mu guards the namespace and function table against concurrent
	// reads from an observing transport while a run mutates them.
	mu      sync.RWMutex
	ns      map[string]cty.Value
	userFns map[string]function.Function

	// interrupt cancels the in-flight run, if any.
	interruptMu sync.Mutex
	interrupt   context.CancelFunc

	resolver ModuleResolver
	fetcher  Fetcher
}

// New creates a runner over the given graph.
func New(graph *dataflow.Graph, opts ...Option) *Runner {
	r := &Runner{
		graph:    graph,
		ns:       make(map[string]cty.Value),
		userFns:  make(map[string]function.Function),
		resolver: defaultResolver{},
		fetcher:  defaultFetcher,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Graph returns the dependency graph this runner schedules against.
func (r *Runner) Graph() *dataflow.Graph {
	return r.graph
}

// Value returns the most recent recorded value bound to name.
func (r *Runner) Value(name string) (cty.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.ns[name]
	return v, ok
}

// Namespace returns a snapshot of the session namespace.
func (r *Runner) Namespace() map[string]cty.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]cty.Value, len(r.ns))
	for k, v := range r.ns {
		out[k] = v
	}
	return out
}

// HasFunction reports whether a user-defined function is recorded.
func (r *Runner) HasFunction(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.userFns[name]
	return ok
}

// Interrupt cancels the in-flight run, if any. The currently running
// cell is marked interrupted; cells scheduled after it are abandoned.
// Completed results from earlier in the run are retained.
func (r *Runner) Interrupt() {
	r.interruptMu.Lock()
	cancel := r.interrupt
	r.interruptMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) armInterrupt(cancel context.CancelFunc) {
	r.interruptMu.Lock()
	r.interrupt = cancel
	r.interruptMu.Unlock()
}

func (r *Runner) disarmInterrupt() {
	r.interruptMu.Lock()
	r.interrupt = nil
	r.interruptMu.Unlock()
}

// SetDisabled flips a cell's disabled flag and repropagates the
// disabled-transitively state across its descendants. Re-enabled cells
// come back stale; they return to idle only by executing.
func (r *Runner) SetDisabled(ctx context.Context, id cell.ID, disabled bool) error {
	c, ok := r.graph.Cell(id)
	if !ok {
		return fmt.Errorf("cell %s is not registered", id)
	}
	cfg := c.Config()
	if cfg.Disabled == disabled {
		return nil
	}
	cfg.Disabled = disabled
	c.SetConfig(cfg)
	if !disabled {
		c.SetStale(true)
	}
	r.propagateDisabled(ctx)
	return nil
}

// propagateDisabled recomputes disabled-transitively states for every
// cell from config alone. This is a static, pre-scheduling decision: it
// takes precedence over whatever execution-time status a cell holds.
func (r *Runner) propagateDisabled(ctx context.Context) {
	blocked := r.transitivelyDisabled()
	for _, c := range r.graph.Cells() {
		if c.Disabled() {
			continue
		}
		_, isBlocked := blocked[c.ID]
		switch {
		case isBlocked && c.RuntimeState() != cell.StateDisabledTransitively:
			c.SetRuntimeState(cell.StateDisabledTransitively)
			c.SetStale(true)
		case !isBlocked && c.RuntimeState() == cell.StateDisabledTransitively:
			// No disabled ancestor remains; the cell is runnable again
			// but stays stale until it actually executes.
			c.SetRuntimeState(cell.StateIdle)
			c.SetStale(true)
		}
	}
}

// transitivelyDisabled returns the cells with at least one directly
// disabled ancestor.
func (r *Runner) transitivelyDisabled() map[cell.ID]struct{} {
	blocked := make(map[cell.ID]struct{})
	for _, c := range r.graph.Cells() {
		if !c.Disabled() {
			continue
		}
		for id := range r.graph.Descendants(c.ID) {
			blocked[id] = struct{}{}
		}
	}
	return blocked
}

// MarkDirty flags a cell and all of its descendants stale, queueing them
// conceptually for the next run.
func (r *Runner) MarkDirty(id cell.ID) {
	if c, ok := r.graph.Cell(id); ok {
		c.SetStale(true)
	}
	for depID := range r.graph.Descendants(id) {
		if c, ok := r.graph.Cell(depID); ok {
			c.SetStale(true)
		}
	}
}

type defaultResolver struct{}

// Resolve produces an opaque module object carrying the module path.
func (defaultResolver) Resolve(_ context.Context, module string) (cty.Value, error) {
	return cty.ObjectVal(map[string]cty.Value{
		"module": cty.StringVal(module),
	}), nil
}

func defaultFetcher(_ context.Context, url string) (cty.Value, error) {
	return cty.ObjectVal(map[string]cty.Value{
		"url":    cty.StringVal(url),
		"status": cty.NumberIntVal(0),
		"body":   cty.StringVal(""),
	}), nil
}
