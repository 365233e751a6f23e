package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/queryscan"
)

// stdlibFunctions is the fixed set of general-purpose functions exposed
// to every cell. The names must stay in sync with cell.DefaultBuiltins
// so the analyzer never mistakes one for a cross-cell reference.
var stdlibFunctions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"length":     stdlib.LengthFunc,
	"abs":        stdlib.AbsoluteFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
	"format":     stdlib.FormatFunc,
	"join":       stdlib.JoinFunc,
	"split":      stdlib.SplitFunc,
	"concat":     stdlib.ConcatFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"range":      stdlib.RangeFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"jsondecode": stdlib.JSONDecodeFunc,
}

// functionTable assembles the full function namespace for one cell
// evaluation: stdlib, session builtins bound to the run context, and the
// user functions defined so far.
func (r *Runner) functionTable(ctx context.Context) map[string]function.Function {
	table := make(map[string]function.Function, len(stdlibFunctions)+8)
	for name, fn := range stdlibFunctions {
		table[name] = fn
	}
	table["import"] = r.importFunc(ctx)
	table["sql"] = sqlFunc
	table["del"] = delFunc
	table["sleep"] = sleepFunc(ctx)
	table["fetch"] = r.fetchFunc(ctx)

	r.mu.RLock()
	for name, fn := range r.userFns {
		table[name] = fn
	}
	r.mu.RUnlock()
	return table
}

// importFunc resolves a module path through the runner's resolver.
func (r *Runner) importFunc(ctx context.Context) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "module", Type: cty.String}},
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return r.resolver.Resolve(ctx, args[0].AsString())
		},
	})
}

// sqlFunc evaluates an embedded query to a relation object. The core
// does not run queries; it packages the statement and its table inputs
// for whatever engine the session attaches downstream.
var sqlFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "query", Type: cty.String}},
	Type:   function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		query := args[0].AsString()
		scan := queryscan.Scan(query)
		tables := cty.ListValEmpty(cty.String)
		if len(scan.Refs) > 0 {
			vals := make([]cty.Value, len(scan.Refs))
			for i, ref := range scan.Refs {
				vals[i] = cty.StringVal(ref)
			}
			tables = cty.ListVal(vals)
		}
		return cty.ObjectVal(map[string]cty.Value{
			"query":  cty.StringVal(query),
			"tables": tables,
		}), nil
	},
})

// delFunc is a marker: the runner removes the named binding from the
// session namespace after the cell completes, using the analyzer's
// DeletedRefs record. Evaluating the call itself is a no-op.
var delFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "name", Type: cty.String}},
	Type:   function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.True, nil
	},
})

// sleepFunc suspends the calling coroutine cell. Cancellation of the run
// context interrupts the suspension.
func sleepFunc(ctx context.Context) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "milliseconds", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			ms, _ := args[0].AsBigFloat().Int64()
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return cty.NilVal, ctx.Err()
			case <-timer.C:
				return args[0], nil
			}
		},
	})
}

func (r *Runner) fetchFunc(ctx context.Context) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "url", Type: cty.String}},
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			select {
			case <-ctx.Done():
				return cty.NilVal, ctx.Err()
			default:
			}
			return r.fetcher(ctx, args[0].AsString())
		},
	})
}

// compileFunction compiles a def block into a callable. The body is
// evaluated lazily at call time against the namespace as it stands
// then. Recording the function in the session table is the caller's
// decision; temporaries stay local to their defining cell.
func (r *Runner) compileFunction(ctx context.Context, owner cell.ID, def *cell.FuncDef) (function.Function, error) {
	if def.Result == nil {
		return function.Function{}, &ExecutionError{CellID: owner, Err: fmt.Errorf("function %q has no result expression", def.Name)}
	}

	params := make([]function.Parameter, len(def.Params))
	for i, p := range def.Params {
		params[i] = function.Parameter{Name: p, Type: cty.DynamicPseudoType}
	}

	fn := function.New(&function.Spec{
		Params: params,
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			variables := r.Namespace()
			for i, p := range def.Params {
				variables[p] = args[i]
			}
			evalCtx := &hcl.EvalContext{
				Variables: variables,
				Functions: r.functionTable(ctx),
			}
			val, diags := def.Result.Value(evalCtx)
			if diags.HasErrors() {
				return cty.NilVal, diags
			}
			return val, nil
		},
	})
	return fn, nil
}
