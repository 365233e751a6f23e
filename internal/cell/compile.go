package cell

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zeebo/blake3"

	"github.com/thliang01/marimo/internal/queryscan"
)

// DefaultBuiltins are function names the runtime provides. Calling one
// never makes the name a cross-cell reference.
var DefaultBuiltins = map[string]struct{}{
	"import": {}, "sql": {}, "del": {},
	"sleep": {}, "fetch": {},
	"upper": {}, "lower": {}, "length": {}, "abs": {},
	"max": {}, "min": {}, "format": {}, "join": {}, "split": {},
	"concat": {}, "coalesce": {}, "range": {},
	"jsonencode": {}, "jsondecode": {},
}

// DefaultAsyncFunctions are builtins whose call marks the containing
// cell as a coroutine.
var DefaultAsyncFunctions = map[string]struct{}{
	"sleep": {},
	"fetch": {},
}

// CompileOptions tunes the static analyzer.
type CompileOptions struct {
	// Builtins lists function names that resolve to the runtime table
	// rather than to another cell. Defaults to DefaultBuiltins.
	Builtins map[string]struct{}
	// AsyncFunctions lists builtins that make a calling cell a
	// coroutine. Defaults to DefaultAsyncFunctions.
	AsyncFunctions map[string]struct{}
	// Filename appears in diagnostics; defaults to "<cell>".
	Filename string
}

func (o CompileOptions) withDefaults() CompileOptions {
	if o.Builtins == nil {
		o.Builtins = DefaultBuiltins
	}
	if o.AsyncFunctions == nil {
		o.AsyncFunctions = DefaultAsyncFunctions
	}
	if o.Filename == "" {
		o.Filename = "<cell>"
	}
	return o
}

// NewID returns a fresh cell identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// ContentKey hashes source text for change detection.
func ContentKey(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Compile parses and analyzes plain expression source into a Cell.
//
// On a syntax error the returned error is a *AnalysisError, and the
// returned cell is still usable: it carries empty defs/refs and the
// Invalid marker so that it can be registered without aborting the
// session.
func Compile(id ID, code string, opts CompileOptions) (*Cell, error) {
	return CompileSource(id, Code(code), opts)
}

// CompileSource parses and analyzes a tagged source variant.
func CompileSource(id ID, src Source, opts CompileOptions) (*Cell, error) {
	opts = opts.withDefaults()
	c := &Cell{
		ID:           id,
		Key:          ContentKey(src.Text),
		Code:         src.Text,
		Defs:         make(map[string]struct{}),
		Refs:         make(map[string]struct{}),
		Temporaries:  make(map[string]struct{}),
		VariableData: make(map[string][]VariableData),
		DeletedRefs:  make(map[string]struct{}),
		Language:     LangHCL,
	}

	if src.Kind == SourceQuery {
		analyzeQuery(c)
		return c, nil
	}

	file, diags := hclsyntax.ParseConfig([]byte(src.Text), opts.Filename, hcl.InitialPos)
	if diags.HasErrors() {
		c.Invalid = true
		return c, &AnalysisError{CellID: id, Diags: diags}
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		c.Invalid = true
		return c, &AnalysisError{CellID: id, Diags: hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "unexpected body type",
			Detail:   fmt.Sprintf("parser produced %T, want *hclsyntax.Body", file.Body),
		}}}
	}
	c.Tree = body

	an := newAnalyzer(opts)
	an.analyzeBody(c, body)
	return c, nil
}

// analyzeQuery fills in the static facts for a pure embedded-query cell.
// The query sub-pass cannot fail; an unscannable fragment just yields no
// statements.
func analyzeQuery(c *Cell) {
	c.Language = LangSQL
	scan := queryscan.Scan(c.Code)
	for _, def := range scan.Defs {
		c.Defs[def] = struct{}{}
		c.VariableData[def] = append(c.VariableData[def], VariableData{Kind: KindTable})
	}
	for _, ref := range scan.Refs {
		if _, own := c.Defs[ref]; !own {
			c.Refs[ref] = struct{}{}
		}
	}
}

// analyzer walks a parsed body and accumulates a cell's static facts.
type analyzer struct {
	opts  CompileOptions
	bound map[string]struct{}
}

func newAnalyzer(opts CompileOptions) *analyzer {
	return &analyzer{opts: opts, bound: make(map[string]struct{})}
}

func (a *analyzer) analyzeBody(c *Cell, body *hclsyntax.Body) {
	statements := orderedStatements(body)
	importStatements := 0
	sqlStatements := 0

	for _, stmt := range statements {
		if stmt.Def != nil {
			a.analyzeDef(c, stmt.Def)
			a.defineName(c, stmt.Name, VariableData{Kind: KindFunction})
			continue
		}

		data := VariableData{Kind: KindVariable}
		if imp, ok := a.importCall(stmt.Name, stmt.Expr); ok {
			data = VariableData{Kind: KindImport, Import: imp}
			importStatements++
		} else if a.isDirectSQLCall(stmt.Expr) {
			data = VariableData{Kind: KindTable}
			sqlStatements++
		}

		a.analyzeExpr(c, stmt.Expr)
		a.defineName(c, stmt.Name, data)
	}

	// Split the compiled forms: everything except a trailing expression
	// statement becomes the body; the trailing expression is evaluated
	// separately so its value can be captured as the cell output.
	if n := len(statements); n > 0 && statements[n-1].Expr != nil {
		c.Body = statements[:n-1]
		last := statements[n-1]
		c.LastExpr = &last
	} else {
		c.Body = statements
	}

	if n := len(statements); n > 0 {
		if importStatements == n {
			c.imports.IsImportBlock = true
		}
		if sqlStatements == n {
			c.Language = LangSQL
		}
	}
}

// analyzeDef records the refs of a user function definition. Parameter
// names are scoped to the function body, like any lexically bound name.
func (a *analyzer) analyzeDef(c *Cell, def *FuncDef) {
	if def.Result == nil {
		return
	}
	params := make(map[string]struct{}, len(def.Params))
	for _, p := range def.Params {
		params[p] = struct{}{}
	}
	for _, name := range a.freeNames(c, def.Result) {
		if _, local := params[name]; local {
			continue
		}
		a.reference(c, name)
	}
}

// analyzeExpr records refs, deletions, embedded queries, and coroutine
// markers for one attribute expression.
func (a *analyzer) analyzeExpr(c *Cell, expr hcl.Expression) {
	for _, name := range a.freeNames(c, expr) {
		a.reference(c, name)
	}

	syn, ok := expr.(hclsyntax.Expression)
	if !ok {
		return
	}
	hclsyntax.Walk(syn, &callWalker{fn: func(call *hclsyntax.FunctionCallExpr) {
		if _, async := a.opts.AsyncFunctions[call.Name]; async {
			c.coroutine = true
		}
		switch call.Name {
		case "del":
			if name, ok := staticStringArg(call); ok {
				c.DeletedRefs[name] = struct{}{}
				a.reference(c, name)
			}
		case "sql":
			if text, ok := staticStringArg(call); ok {
				a.analyzeEmbeddedQuery(c, text)
			}
		}
	}})
}

// analyzeEmbeddedQuery merges the query sub-pass results for one sql()
// literal into the cell's facts.
func (a *analyzer) analyzeEmbeddedQuery(c *Cell, text string) {
	scan := queryscan.Scan(text)
	for _, def := range scan.Defs {
		a.defineName(c, def, VariableData{Kind: KindTable})
	}
	for _, ref := range scan.Refs {
		a.reference(c, ref)
	}
}

// freeNames returns variable roots and called function names that are
// not provided by the runtime builtin table. Iterator variables of for
// expressions never appear: the syntax layer scopes them out.
func (a *analyzer) freeNames(c *Cell, expr hcl.Expression) []string {
	var names []string
	for _, traversal := range expr.Variables() {
		names = append(names, traversal.RootName())
	}
	if syn, ok := expr.(hclsyntax.Expression); ok {
		hclsyntax.Walk(syn, &callWalker{fn: func(call *hclsyntax.FunctionCallExpr) {
			if _, builtin := a.opts.Builtins[call.Name]; builtin {
				return
			}
			names = append(names, call.Name)
		}})
	}
	return names
}

// reference records name as a cross-cell ref unless it was bound earlier
// in this cell or is cell-scoped by the underscore convention.
func (a *analyzer) reference(c *Cell, name string) {
	if _, ok := a.bound[name]; ok {
		return
	}
	if _, own := c.Defs[name]; own {
		return
	}
	if strings.HasPrefix(name, "_") {
		return
	}
	c.Refs[name] = struct{}{}
}

// defineName binds a name at cell top level. Underscore-prefixed names
// are temporaries: visible to later statements of this cell, invisible
// to every other cell.
func (a *analyzer) defineName(c *Cell, name string, data VariableData) {
	a.bound[name] = struct{}{}
	if strings.HasPrefix(name, "_") {
		c.Temporaries[name] = struct{}{}
		return
	}
	c.Defs[name] = struct{}{}
	c.VariableData[name] = append(c.VariableData[name], data)
}

// importCall matches the `name = import("module.path")` form and builds
// its provenance record.
func (a *analyzer) importCall(name string, expr hcl.Expression) (*ImportData, bool) {
	call, ok := expr.(*hclsyntax.FunctionCallExpr)
	if !ok || call.Name != "import" {
		return nil, false
	}
	module, ok := staticStringArg(call)
	if !ok {
		return nil, false
	}
	namespace := module
	if i := strings.Index(module, "."); i >= 0 {
		namespace = module[:i]
	}
	return &ImportData{Module: module, Definition: name, Namespace: namespace}, true
}

func (a *analyzer) isDirectSQLCall(expr hcl.Expression) bool {
	call, ok := expr.(*hclsyntax.FunctionCallExpr)
	if !ok || call.Name != "sql" {
		return false
	}
	_, ok = staticStringArg(call)
	return ok
}

// staticStringArg extracts a statically known string from a call's first
// argument. Dynamic arguments are invisible to the analyzer.
func staticStringArg(call *hclsyntax.FunctionCallExpr) (string, bool) {
	if len(call.Args) == 0 {
		return "", false
	}
	val, diags := call.Args[0].Value(nil)
	if diags.HasErrors() || !val.IsKnown() || val.IsNull() || val.Type() != cty.String {
		return "", false
	}
	return val.AsString(), true
}

// callWalker visits every function call in an expression tree.
type callWalker struct {
	fn func(*hclsyntax.FunctionCallExpr)
}

func (w *callWalker) Enter(node hclsyntax.Node) hcl.Diagnostics {
	if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
		w.fn(call)
	}
	return nil
}

func (w *callWalker) Exit(node hclsyntax.Node) hcl.Diagnostics {
	return nil
}

// orderedStatements flattens a body's attributes and def blocks into
// source order. hclsyntax stores attributes in a map, so order is
// recovered from source ranges.
func orderedStatements(body *hclsyntax.Body) []Statement {
	var statements []Statement
	for _, attr := range body.Attributes {
		statements = append(statements, Statement{
			Name:  attr.Name,
			Expr:  attr.Expr,
			Range: attr.SrcRange,
		})
	}
	for _, block := range body.Blocks {
		if block.Type != "def" || len(block.Labels) != 1 {
			continue
		}
		statements = append(statements, Statement{
			Name:  block.Labels[0],
			Def:   decodeFuncDef(block),
			Range: block.Range(),
		})
	}
	sort.Slice(statements, func(i, j int) bool {
		return statements[i].Range.Start.Byte < statements[j].Range.Start.Byte
	})
	return statements
}

// decodeFuncDef reads the params/result attributes of a def block.
// Malformed blocks degrade to a definition with no callable body; the
// runner reports that at execution time.
func decodeFuncDef(block *hclsyntax.Block) *FuncDef {
	def := &FuncDef{Name: block.Labels[0]}
	if attr, ok := block.Body.Attributes["params"]; ok {
		if val, diags := attr.Expr.Value(nil); !diags.HasErrors() && val.IsKnown() && val.CanIterateElements() {
			for it := val.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				if elem.Type() == cty.String {
					def.Params = append(def.Params, elem.AsString())
				}
			}
		}
	}
	if attr, ok := block.Body.Attributes["result"]; ok {
		def.Result = attr.Expr
	}
	return def
}
