package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/queryscan"
)

// Result describes the outcome of one subgraph run.
type Result struct {
	// Order is the sequence in which cells were scheduled.
	Order []cell.ID
	// Outputs holds the displayable value of each cell that ran.
	Outputs map[cell.ID]cty.Value
	// Statuses records each scheduled cell's run result.
	Statuses map[cell.ID]cell.RunResultStatus
	// Interrupted is set when the run was abandoned by cancellation.
	Interrupted bool
	// FirstError is the first exception raised by a cell, if any.
	// Exceptions do not abort the run: siblings outside the failed
	// subtree still execute.
	FirstError error
}

// RunAll runs every runnable cell in the graph in topological order.
func (r *Runner) RunAll(ctx context.Context, overrides map[string]cty.Value) (*Result, error) {
	var roots []cell.ID
	for _, c := range r.graph.Cells() {
		roots = append(roots, c.ID)
	}
	return r.RunSubgraph(ctx, roots, overrides)
}

// RunSubgraph executes the given roots and everything downstream of
// them, strictly sequentially in topological order. Disabled cells and
// their descendants are excluded from execution but remain stale.
// References resolve from overrides first, then the recorded namespace,
// then by demand-running the defining cell.
func (r *Runner) RunSubgraph(ctx context.Context, roots []cell.ID, overrides map[string]cty.Value) (*Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.armInterrupt(cancel)
	defer r.disarmInterrupt()

	logger := ctxlog.FromContext(ctx)

	// Disabled propagation is decided from config before scheduling and
	// wins over any execution-time status.
	r.propagateDisabled(ctx)
	blocked := r.transitivelyDisabled()

	runSet := make(map[cell.ID]struct{})
	for _, id := range roots {
		if _, ok := r.graph.Cell(id); !ok {
			return nil, fmt.Errorf("cell %s is not registered", id)
		}
		runSet[id] = struct{}{}
		for dep := range r.graph.Descendants(id) {
			runSet[dep] = struct{}{}
		}
	}

	var execList []cell.ID
	result := &Result{
		Outputs:  make(map[cell.ID]cty.Value),
		Statuses: make(map[cell.ID]cell.RunResultStatus),
	}
	for id := range runSet {
		c, _ := r.graph.Cell(id)
		if c.Disabled() {
			c.SetRunResultStatus(cell.StatusDisabled)
			result.Statuses[id] = cell.StatusDisabled
			continue
		}
		if _, isBlocked := blocked[id]; isBlocked {
			result.Statuses[id] = cell.StatusDisabled
			continue
		}
		execList = append(execList, id)
	}

	order, err := r.graph.TopologicalOrder(execList)
	if err != nil {
		return nil, err
	}
	result.Order = order

	for _, id := range order {
		if c, ok := r.graph.Cell(id); ok {
			c.SetRuntimeState(cell.StateQueued)
		}
	}

	cancelled := make(map[cell.ID]struct{})
	demandRan := make(map[cell.ID]struct{})

	for i, id := range order {
		c, _ := r.graph.Cell(id)

		if runCtx.Err() != nil {
			r.abandon(order[i:])
			result.Interrupted = true
			return result, &InterruptedError{}
		}

		if _, skip := cancelled[id]; skip {
			c.SetRunResultStatus(cell.StatusCancelled)
			c.SetRuntimeState(cell.StateIdle)
			result.Statuses[id] = cell.StatusCancelled
			continue
		}

		if c.Invalid {
			c.SetRunResultStatus(cell.StatusMarimoError)
			c.SetRuntimeState(cell.StateIdle)
			result.Statuses[id] = cell.StatusMarimoError
			r.cancelDescendants(id, order[i+1:], cancelled)
			continue
		}

		if r.canSkipImportBlock(c) {
			logger.Debug("Skipping import block, definitions already satisfied.", "cell_id", id)
			c.SetRunResultStatus(cell.StatusSuccess)
			c.SetRuntimeState(cell.StateIdle)
			result.Statuses[id] = cell.StatusSuccess
			continue
		}

		scope, resolveErr := r.resolveRefs(runCtx, c, overrides, demandRan)
		if resolveErr != nil {
			if r.isInterrupt(runCtx, resolveErr) {
				c.SetRunResultStatus(cell.StatusInterrupted)
				c.SetRuntimeState(cell.StateIdle)
				result.Statuses[id] = cell.StatusInterrupted
				r.abandon(order[i+1:])
				result.Interrupted = true
				return result, &InterruptedError{CellID: id}
			}
			logger.Error("Cell input resolution failed.", "cell_id", id, "error", resolveErr)
			c.SetRunResultStatus(cell.StatusException)
			c.SetRuntimeState(cell.StateIdle)
			result.Statuses[id] = cell.StatusException
			if result.FirstError == nil {
				result.FirstError = resolveErr
			}
			r.cancelDescendants(id, order[i+1:], cancelled)
			continue
		}

		c.SetRuntimeState(cell.StateRunning)
		output, defs, execErr := r.executeOne(runCtx, c, scope)

		if execErr != nil {
			if r.isInterrupt(runCtx, execErr) {
				c.SetRunResultStatus(cell.StatusInterrupted)
				c.SetRuntimeState(cell.StateIdle)
				result.Statuses[id] = cell.StatusInterrupted
				r.abandon(order[i+1:])
				result.Interrupted = true
				return result, &InterruptedError{CellID: id}
			}
			logger.Error("Cell execution failed.", "cell_id", id, "error", execErr)
			c.SetRunResultStatus(cell.StatusException)
			c.SetRuntimeState(cell.StateIdle)
			result.Statuses[id] = cell.StatusException
			if result.FirstError == nil {
				result.FirstError = execErr
			}
			r.cancelDescendants(id, order[i+1:], cancelled)
			continue
		}

		r.commit(c, output, defs)
		result.Statuses[id] = cell.StatusSuccess
		result.Outputs[id] = output
	}

	return result, nil
}

// RunCell executes one cell for direct invocation: its references are
// resolved (demand-running definers where needed, skipping any name the
// caller supplied), the cell itself always runs, and its output plus a
// mapping of its definitions are returned. This is the scheduler half of
// the callable facade.
func (r *Runner) RunCell(ctx context.Context, id cell.ID, overrides map[string]cty.Value) (cty.Value, map[string]cty.Value, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.armInterrupt(cancel)
	defer r.disarmInterrupt()

	c, ok := r.graph.Cell(id)
	if !ok {
		return cty.NilVal, nil, fmt.Errorf("cell %s is not registered", id)
	}
	if c.Invalid {
		return cty.NilVal, nil, &ExecutionError{CellID: id, Err: errors.New("cell has invalid syntax")}
	}

	demandRan := make(map[cell.ID]struct{})
	scope, err := r.resolveRefs(runCtx, c, overrides, demandRan)
	if err != nil {
		return cty.NilVal, nil, err
	}

	c.SetRuntimeState(cell.StateRunning)
	output, defs, err := r.executeOne(runCtx, c, scope)
	if err != nil {
		if r.isInterrupt(runCtx, err) {
			c.SetRunResultStatus(cell.StatusInterrupted)
			c.SetRuntimeState(cell.StateIdle)
			return cty.NilVal, nil, &InterruptedError{CellID: id}
		}
		c.SetRunResultStatus(cell.StatusException)
		c.SetRuntimeState(cell.StateIdle)
		return cty.NilVal, nil, err
	}

	r.commit(c, output, defs)
	return output, defs, nil
}

// abandon returns still-queued cells to idle without executing them.
func (r *Runner) abandon(rest []cell.ID) {
	for _, id := range rest {
		if c, ok := r.graph.Cell(id); ok && c.RuntimeState() == cell.StateQueued {
			c.SetRuntimeState(cell.StateIdle)
		}
	}
}

// cancelDescendants marks every downstream cell in the remaining run set
// as cancelled. Siblings outside the failed subtree are untouched.
func (r *Runner) cancelDescendants(failed cell.ID, rest []cell.ID, cancelled map[cell.ID]struct{}) {
	descendants := r.graph.Descendants(failed)
	for _, id := range rest {
		if _, isDescendant := descendants[id]; isDescendant {
			cancelled[id] = struct{}{}
		}
	}
}

func (r *Runner) isInterrupt(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// canSkipImportBlock reports whether an import cell's side effects are
// already in place. Imports are idempotent, so a non-stale import block
// whose definitions were all satisfied earlier needs no re-run.
func (r *Runner) canSkipImportBlock(c *cell.Cell) bool {
	ws := c.ImportWorkspace()
	if !ws.IsImportBlock || c.Stale() {
		return false
	}
	if len(ws.ImportedDefs) == 0 {
		return false
	}
	for name := range c.Defs {
		if _, ok := ws.ImportedDefs[name]; !ok {
			return false
		}
	}
	return true
}

// resolveRefs produces the input bindings for one cell: overrides win,
// then the namespace's most recent recorded values, then the defining
// cell is run on demand. Each definer runs at most once per run, and
// only when it has no recorded value or is stale.
func (r *Runner) resolveRefs(ctx context.Context, c *cell.Cell, overrides map[string]cty.Value, demandRan map[cell.ID]struct{}) (map[string]cty.Value, error) {
	scope := make(map[string]cty.Value)
	names := make([]string, 0, len(c.Refs))
	for name := range c.Refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if v, ok := overrides[name]; ok {
			scope[name] = v
			continue
		}
		if err := r.ensureName(ctx, c.ID, name, overrides, demandRan); err != nil {
			return nil, err
		}
		if v, ok := r.Value(name); ok {
			scope[name] = v
			continue
		}
		if r.HasFunction(name) {
			// Function definitions live in the function table, not the
			// variable namespace.
			continue
		}
		return nil, &UnboundNameError{CellID: c.ID, Name: name}
	}
	return scope, nil
}

// ensureName makes sure a referenced name has an up-to-date producer:
// if no value is recorded, or the defining cell is stale, that definer
// (and transitively its own inputs) is executed first.
func (r *Runner) ensureName(ctx context.Context, forCell cell.ID, name string, overrides map[string]cty.Value, demandRan map[cell.ID]struct{}) error {
	definerID, hasDefiner := r.graph.Definer(name)
	if !hasDefiner {
		if _, recorded := r.Value(name); recorded {
			return nil
		}
		return &UnboundNameError{CellID: forCell, Name: name}
	}

	definer, _ := r.graph.Cell(definerID)
	_, recorded := r.Value(name)
	satisfied := recorded || r.HasFunction(name)
	if satisfied && !definer.Stale() {
		return nil
	}
	if _, already := demandRan[definerID]; already {
		return nil
	}
	demandRan[definerID] = struct{}{}

	if definer.Invalid {
		return &ExecutionError{CellID: definerID, Err: errors.New("cell has invalid syntax")}
	}
	if definer.Disabled() {
		return &ExecutionError{CellID: forCell, Err: fmt.Errorf("input %q is defined by disabled cell %s", name, definerID)}
	}

	scope, err := r.resolveRefs(ctx, definer, overrides, demandRan)
	if err != nil {
		return err
	}

	definer.SetRuntimeState(cell.StateRunning)
	output, defs, err := r.executeOne(ctx, definer, scope)
	if err != nil {
		definer.SetRunResultStatus(cell.StatusException)
		definer.SetRuntimeState(cell.StateIdle)
		return err
	}
	r.commit(definer, output, defs)
	return nil
}

// commit records a successful execution: definitions land in the
// session namespace, deleted refs leave it, and the cell settles back to
// a fresh idle state.
func (r *Runner) commit(c *cell.Cell, output cty.Value, defs map[string]cty.Value) {
	r.mu.Lock()
	for name, val := range defs {
		r.ns[name] = val
	}
	for name := range c.DeletedRefs {
		delete(r.ns, name)
	}
	r.mu.Unlock()

	if ws := c.ImportWorkspace(); ws.IsImportBlock {
		names := make([]string, 0, len(c.Defs))
		for name := range c.Defs {
			names = append(names, name)
		}
		c.MarkImported(names...)
	}

	c.SetOutput(output)
	c.SetRunResultStatus(cell.StatusSuccess)
	c.SetStale(false)
	c.SetRuntimeState(cell.StateIdle)
}

// executeOne evaluates a single cell. Coroutine cells run on their own
// goroutine so the runner can observe cancellation during suspension,
// but no other cell starts until the coroutine resolves.
func (r *Runner) executeOne(ctx context.Context, c *cell.Cell, scope map[string]cty.Value) (cty.Value, map[string]cty.Value, error) {
	if !c.IsCoroutine() {
		return r.evalCell(ctx, c, scope)
	}

	type evalResult struct {
		output cty.Value
		defs   map[string]cty.Value
		err    error
	}
	done := make(chan evalResult, 1)
	go func() {
		output, defs, err := r.evalCell(ctx, c, scope)
		done <- evalResult{output, defs, err}
	}()

	select {
	case <-ctx.Done():
		// The in-flight statement may still complete; its partial side
		// effects are the caller's to treat as invalid.
		return cty.NilVal, nil, ctx.Err()
	case res := <-done:
		return res.output, res.defs, res.err
	}
}

// evalCell runs the compiled body statement by statement, then the last
// expression separately so its value can be captured as the output.
func (r *Runner) evalCell(ctx context.Context, c *cell.Cell, scope map[string]cty.Value) (cty.Value, map[string]cty.Value, error) {
	if c.Language == cell.LangSQL && c.Tree == nil {
		return r.evalQueryCell(c)
	}

	variables := make(map[string]cty.Value, len(scope))
	for k, v := range scope {
		variables[k] = v
	}
	funcs := r.functionTable(ctx)
	defs := make(map[string]cty.Value)

	evalStatement := func(stmt cell.Statement) (cty.Value, error) {
		if stmt.Def != nil {
			fn, err := r.compileFunction(ctx, c.ID, stmt.Def)
			if err != nil {
				return cty.NilVal, err
			}
			// A temporary function is visible only to statements within
			// this cell; everything else joins the session table.
			if _, temp := c.Temporaries[stmt.Def.Name]; !temp {
				r.mu.Lock()
				r.userFns[stmt.Def.Name] = fn
				r.mu.Unlock()
			}
			funcs[stmt.Def.Name] = fn
			return cty.NilVal, nil
		}
		val, diags := stmt.Expr.Value(&hcl.EvalContext{Variables: variables, Functions: funcs})
		if diags.HasErrors() {
			return cty.NilVal, &ExecutionError{CellID: c.ID, Err: diags}
		}
		variables[stmt.Name] = val
		if _, temp := c.Temporaries[stmt.Name]; !temp {
			defs[stmt.Name] = val
		}
		return val, nil
	}

	for _, stmt := range c.Body {
		if _, err := evalStatement(stmt); err != nil {
			return cty.NilVal, nil, err
		}
	}

	output := cty.NilVal
	if c.LastExpr != nil {
		val, err := evalStatement(*c.LastExpr)
		if err != nil {
			return cty.NilVal, nil, err
		}
		output = val
	}
	return output, defs, nil
}

// evalQueryCell binds relation objects for a pure embedded-query cell.
// The core does not evaluate SQL; each created table becomes an opaque
// relation value downstream engines can consume.
func (r *Runner) evalQueryCell(c *cell.Cell) (cty.Value, map[string]cty.Value, error) {
	scan := queryscan.Scan(c.Code)
	defs := make(map[string]cty.Value)
	for _, name := range scan.Defs {
		defs[name] = cty.ObjectVal(map[string]cty.Value{
			"table": cty.StringVal(name),
			"query": cty.StringVal(c.Code),
		})
	}

	output := cty.NilVal
	if n := len(scan.Statements); n > 0 {
		output = cty.ObjectVal(map[string]cty.Value{
			"query": cty.StringVal(scan.Statements[n-1]),
		})
	}
	return output, defs, nil
}
