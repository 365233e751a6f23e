// Package callable wraps a cell so it can be invoked like an ordinary
// function: references resolve automatically or from caller-supplied
// values, coroutine cells return an awaitable, and positional calls are
// validated against the cell's computed argument list.
package callable

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/dataflow"
	"github.com/thliang01/marimo/internal/runner"
)

// Options configure a bound cell.
type Options struct {
	// Setup is the distinguished setup cell whose definitions are
	// injected into runs without re-executing it.
	Setup *cell.Cell
	// ExpectedSignature is the argument list recorded when the notebook
	// was last saved. A disagreement with the runtime-computed list is
	// surfaced as a warning, not an error.
	ExpectedSignature []string
	// Reserved are argument names claimed by an external test harness.
	Reserved []string
	// Harness marks execution under a test harness: signature
	// mismatches fold into errors instead of being logged.
	Harness bool
}

// BoundCell is a cell bound to its owning graph and runner for direct
// invocation.
type BoundCell struct {
	name     string
	cell     *cell.Cell
	graph    *dataflow.Graph
	runner   *runner.Runner
	setup    *cell.Cell
	expected []string
	reserved map[string]struct{}
	harness  bool
}

// Bind wraps a cell for invocation.
func Bind(name string, c *cell.Cell, g *dataflow.Graph, r *runner.Runner, opts Options) *BoundCell {
	reserved := make(map[string]struct{}, len(opts.Reserved))
	for _, n := range opts.Reserved {
		reserved[n] = struct{}{}
	}
	return &BoundCell{
		name:     name,
		cell:     c,
		graph:    g,
		runner:   r,
		setup:    opts.Setup,
		expected: opts.ExpectedSignature,
		reserved: reserved,
		harness:  opts.Harness,
	}
}

// Name returns the cell's given name.
func (b *BoundCell) Name() string { return b.name }

// Refs returns the references the cell takes as input.
func (b *BoundCell) Refs() map[string]struct{} { return b.cell.Refs }

// Defs returns the definitions the cell produces.
func (b *BoundCell) Defs() map[string]struct{} { return b.cell.Defs }

// IsCoroutine reports whether running this cell suspends: either the
// cell itself or any of its ancestors is a coroutine.
func (b *BoundCell) IsCoroutine() bool {
	if b.cell.IsCoroutine() {
		return true
	}
	for id := range b.graph.Ancestors(b.cell.ID) {
		if ancestor, ok := b.graph.Cell(id); ok && ancestor.IsCoroutine() {
			return true
		}
	}
	return false
}

// Run executes the cell and returns its output and a mapping of its
// definitions. Caller-supplied values override automatic resolution;
// any remaining references are computed by running their defining
// cells, each at most once. Setup-cell definitions are injected first
// and the setup cell is never re-executed.
func (b *BoundCell) Run(ctx context.Context, overrides map[string]cty.Value) (cty.Value, map[string]cty.Value, error) {
	merged := make(map[string]cty.Value)
	if !b.harness && b.setup != nil {
		if err := b.ensureSetup(ctx); err != nil {
			return cty.NilVal, nil, err
		}
		for name := range b.setup.Defs {
			if _, wanted := b.cell.Refs[name]; !wanted {
				continue
			}
			if v, ok := b.runner.Value(name); ok {
				merged[name] = v
			}
		}
	}
	for name, v := range overrides {
		merged[name] = v
	}
	return b.runner.RunCell(ctx, b.cell.ID, merged)
}

// ensureSetup runs the setup cell once per session, the first time one
// of its definitions is needed.
func (b *BoundCell) ensureSetup(ctx context.Context) error {
	for name := range b.setup.Defs {
		if _, ok := b.runner.Value(name); !ok {
			_, _, err := b.runner.RunCell(ctx, b.setup.ID, nil)
			return err
		}
	}
	return nil
}

// Promise is the awaitable result of a deferred run.
type Promise struct {
	done   chan struct{}
	output cty.Value
	defs   map[string]cty.Value
	err    error
}

// Await blocks until the run resolves or the context is cancelled.
func (p *Promise) Await(ctx context.Context) (cty.Value, map[string]cty.Value, error) {
	select {
	case <-ctx.Done():
		return cty.NilVal, nil, ctx.Err()
	case <-p.done:
		return p.output, p.defs, p.err
	}
}

// RunDeferred starts the run and returns an awaitable. Callers use this
// for coroutine cells; it is valid (just unnecessary) for synchronous
// ones. Ordering is unaffected: the runner still executes at most one
// cell at a time.
func (b *BoundCell) RunDeferred(ctx context.Context, overrides map[string]cty.Value) *Promise {
	p := &Promise{done: make(chan struct{})}
	go func() {
		p.output, p.defs, p.err = b.Run(ctx, overrides)
		close(p.done)
	}()
	return p
}

// AllowedArgs computes the positional-call argument list: the cell's
// references, minus names resolvable from the surrounding top-level
// scope, minus its own definitions, minus harness-reserved names, in
// sorted order.
func (b *BoundCell) AllowedArgs() []string {
	scope := b.scopeResolvable()
	var names []string
	for name := range b.cell.Refs {
		if _, inScope := scope[name]; inScope {
			continue
		}
		if _, own := b.cell.Defs[name]; own {
			continue
		}
		if _, isReserved := b.reserved[name]; isReserved {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scopeResolvable is the set of names importable from the notebook's
// top level: setup-cell definitions plus names owned by cells whose
// whole body is a single top-level function definition.
func (b *BoundCell) scopeResolvable() map[string]struct{} {
	scope := make(map[string]struct{})
	if b.setup != nil {
		for name := range b.setup.Defs {
			scope[name] = struct{}{}
		}
	}
	for _, c := range b.graph.Cells() {
		if c.ID == b.cell.ID {
			continue
		}
		if c.ToplevelVariable() == nil {
			continue
		}
		for name := range c.Defs {
			scope[name] = struct{}{}
		}
	}
	return scope
}

// Call invokes the cell with ordinary function-call semantics:
// positional arguments map onto AllowedArgs in sorted order, keyword
// arguments merge over them, and exact coverage is required. The output
// value is returned; definitions are dropped, as in a plain call.
func (b *BoundCell) Call(ctx context.Context, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error) {
	argNames := b.AllowedArgs()
	argc := len(argNames)

	callArgs := make(map[string]cty.Value)
	for i, arg := range args {
		if i >= len(argNames) {
			break
		}
		callArgs[argNames[i]] = arg
	}
	allowed := make(map[string]struct{}, argc)
	for _, name := range argNames {
		allowed[name] = struct{}{}
	}
	var unexpected []string
	for name, v := range kwargs {
		if _, ok := allowed[name]; !ok {
			unexpected = append(unexpected, name)
			continue
		}
		callArgs[name] = v
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return cty.NilVal, &ArgumentMismatchError{
			Name:   b.name,
			Detail: fmt.Sprintf("got unexpected argument(s) %q", strings.Join(unexpected, ", ")),
		}
	}

	mismatch := b.signatureMismatch(argNames)

	// Reserved names never appear in argNames, so coverage is judged
	// against the allowed list alone.
	callArgc := len(callArgs)
	actualCount := len(args) + len(kwargs)
	covered := true
	for _, name := range argNames {
		if _, ok := callArgs[name]; !ok {
			covered = false
			break
		}
	}

	if argc == callArgc && (b.harness || (covered && argc == actualCount)) {
		if mismatch != "" {
			// The call still proceeds; the notebook just needs resaving.
			ctxlog.FromContext(ctx).Warn(mismatch, "cell", b.name)
		}
		output, _, err := b.Run(ctx, callArgs)
		return output, err
	}

	detail := mismatch
	if b.harness {
		return cty.NilVal, &ArgumentMismatchError{
			Name: b.name, Expected: argc, Given: actualCount, Detail: detail,
		}
	}
	if detail != "" {
		detail += "; "
	}
	detail += fmt.Sprintf("consider calling %s.Run() instead", b.name)
	return cty.NilVal, &ArgumentMismatchError{
		Name: b.name, Expected: argc, Given: actualCount, Detail: detail,
	}
}

// signatureMismatch compares the edit-time signature, when one was
// recorded, against the runtime-computed argument list.
func (b *BoundCell) signatureMismatch(argNames []string) string {
	if b.expected == nil {
		return ""
	}
	if len(b.expected) == len(argNames) {
		same := true
		for i := range argNames {
			if b.expected[i] != argNames[i] {
				same = false
				break
			}
		}
		if same {
			return ""
		}
	}
	return fmt.Sprintf(
		"the signature of %q (%v) does not match the computed signature (%v); resave the notebook to refresh it",
		b.name, b.expected, argNames,
	)
}
