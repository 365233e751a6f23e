// Package cell defines the unit of execution: an immutable record of a
// code fragment's identity and statically derived facts (definitions,
// references, imports) paired with a small set of mutable runtime slots
// (state machine position, staleness, last output).
package cell

import (
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// ID is the stable identifier assigned to a cell at registration. It is
// independent of the cell's content: editing a cell produces a new Cell
// value carrying the same ID.
type ID string

// Language tags the source dialect of a cell.
type Language string

const (
	LangHCL Language = "hcl"
	LangSQL Language = "sql"
)

// RuntimeState is a cell's position in the execution state machine.
// The zero value means the cell has never been scheduled.
type RuntimeState string

const (
	StateIdle                 RuntimeState = "idle"
	StateQueued               RuntimeState = "queued"
	StateRunning              RuntimeState = "running"
	StateDisabledTransitively RuntimeState = "disabled-transitively"
)

// RunResultStatus records the outcome of a cell's most recent attempted
// execution. The zero value means the cell has never been attempted.
type RunResultStatus string

const (
	StatusSuccess     RunResultStatus = "success"
	StatusException   RunResultStatus = "exception"
	StatusCancelled   RunResultStatus = "cancelled"
	StatusInterrupted RunResultStatus = "interrupted"
	StatusMarimoError RunResultStatus = "marimo-error"
	StatusDisabled    RunResultStatus = "disabled"
)

// VariableKind classifies how a definition came to be bound.
type VariableKind string

const (
	KindVariable VariableKind = "variable"
	KindFunction VariableKind = "function"
	KindTable    VariableKind = "table"
	KindImport   VariableKind = "import"
)

// ImportData records the provenance of a name bound by an import.
type ImportData struct {
	// Module is the full dotted module path, e.g. "matplotlib.pyplot".
	Module string
	// Definition is the local name the import is bound to.
	Definition string
	// Namespace is the top-level path segment, e.g. "matplotlib". The
	// package-manager collaborator maps it to an installable package.
	Namespace string
}

// VariableData is per-definition provenance metadata.
type VariableData struct {
	Kind   VariableKind
	Import *ImportData
}

// FuncDef is a user function definition extracted from a `def` block.
type FuncDef struct {
	Name   string
	Params []string
	Result hcl.Expression
}

// Statement is one top-level unit of a cell body, in source order:
// either an attribute assignment or a function definition block.
type Statement struct {
	// Name is the bound name: the attribute name or the def block label.
	Name string
	// Expr is the assigned expression; nil for def blocks.
	Expr hcl.Expression
	// Def is the function definition; nil for attributes.
	Def *FuncDef
	// Range locates the statement in the cell source.
	Range hcl.Range
}

// ImportWorkspace tracks runtime bookkeeping for import-block cells.
// Imports are idempotent, so the scheduler can skip re-running an import
// block whose definitions were all satisfied by an earlier run.
type ImportWorkspace struct {
	IsImportBlock bool
	ImportedDefs  map[string]struct{}
}

// Observer receives cell state transitions. The session transport
// attaches one to broadcast to frontends; a nil observer (headless
// execution) is the common no-op case.
type Observer interface {
	OnRuntimeStateChange(id ID, state RuntimeState)
	OnStaleChange(id ID, stale bool)
}

// Cell is the unit of execution. All fields above the mutable block are
// fixed at compile time; an edit produces a new Cell with a new Key.
type Cell struct {
	// ID is the registration identity, stable across edits.
	ID ID
	// Key is the blake3 content hash of Code, used for change detection.
	Key string
	// Code is the raw source text.
	Code string
	// Tree is the parsed body; nil for pure query cells and for cells
	// that failed to parse.
	Tree *hclsyntax.Body
	// Defs are the names this cell binds at top level.
	Defs map[string]struct{}
	// Refs are the free names this cell reads but does not bind first.
	Refs map[string]struct{}
	// Temporaries are names scoped to this cell's execution only. They
	// never participate in inter-cell edges.
	Temporaries map[string]struct{}
	// VariableData maps each defined name to its provenance records.
	VariableData map[string][]VariableData
	// DeletedRefs are referenced names this cell removes from the
	// session namespace after running.
	DeletedRefs map[string]struct{}
	// Body holds every statement except the trailing expression.
	Body []Statement
	// LastExpr is the trailing statement whose value becomes the cell
	// output, or nil if the cell ends in a def block or is empty.
	LastExpr *Statement
	// Language is the source dialect.
	Language Language
	// Invalid marks a cell whose source failed to parse. It registers
	// with empty defs/refs and never executes successfully.
	Invalid bool
	// coroutine is set at compile time when the cell calls into the
	// configured async function set.
	coroutine bool

	mu       sync.Mutex
	observer Observer
	config   Config
	state    RuntimeState
	result   RunResultStatus
	stale    bool
	output   any
	imports  ImportWorkspace
}

// IsCoroutine reports whether either compiled form of the cell was
// compiled as an asynchronous unit. The scheduler awaits such cells.
func (c *Cell) IsCoroutine() bool {
	return c.coroutine
}

// ToplevelVariable returns provenance for the cell's single top-level
// function definition, if the entire body is exactly one def block whose
// name is the cell's sole definition. Such cells are reusable named
// artifacts; everything else returns nil.
func (c *Cell) ToplevelVariable() *VariableData {
	if c.Tree == nil || len(c.Defs) != 1 {
		return nil
	}
	if len(c.Body) != 1 || c.LastExpr != nil || c.Body[0].Def == nil {
		return nil
	}
	name := c.Body[0].Name
	if _, ok := c.Defs[name]; !ok {
		return nil
	}
	records := c.VariableData[name]
	if len(records) != 1 {
		return nil
	}
	return &records[0]
}

// SetObserver attaches a transition observer. Passing nil detaches.
func (c *Cell) SetObserver(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// RuntimeState returns the cell's current state machine position.
func (c *Cell) RuntimeState() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRuntimeState moves the cell to the given state and notifies the
// attached observer, if any.
func (c *Cell) SetRuntimeState(state RuntimeState) {
	c.mu.Lock()
	c.state = state
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs.OnRuntimeStateChange(c.ID, state)
	}
}

// RunResultStatus returns the outcome of the most recent execution attempt.
func (c *Cell) RunResultStatus() RunResultStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// SetRunResultStatus records the outcome of an execution attempt.
func (c *Cell) SetRunResultStatus(status RunResultStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = status
}

// Stale reports whether an ancestor changed since this cell last ran.
func (c *Cell) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// SetStale flags or clears staleness and notifies the attached observer.
func (c *Cell) SetStale(stale bool) {
	c.mu.Lock()
	c.stale = stale
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs.OnStaleChange(c.ID, stale)
	}
}

// Output returns the cell's last computed displayable value. The value
// is opaque to the core.
func (c *Cell) Output() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// SetOutput stores the cell's displayable value.
func (c *Cell) SetOutput(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = v
}

// ImportWorkspace returns a snapshot of the cell's import bookkeeping.
func (c *Cell) ImportWorkspace() ImportWorkspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := ImportWorkspace{IsImportBlock: c.imports.IsImportBlock}
	if c.imports.ImportedDefs != nil {
		ws.ImportedDefs = make(map[string]struct{}, len(c.imports.ImportedDefs))
		for k := range c.imports.ImportedDefs {
			ws.ImportedDefs[k] = struct{}{}
		}
	}
	return ws
}

// MarkImported records that the given definitions were satisfied by
// import side effects during a run.
func (c *Cell) MarkImported(defs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.imports.ImportedDefs == nil {
		c.imports.ImportedDefs = make(map[string]struct{}, len(defs))
	}
	for _, d := range defs {
		c.imports.ImportedDefs[d] = struct{}{}
	}
}

// Imports returns the import provenance records across all definitions.
func (c *Cell) Imports() []ImportData {
	var out []ImportData
	for _, records := range c.VariableData {
		for _, rec := range records {
			if rec.Import != nil {
				out = append(out, *rec.Import)
			}
		}
	}
	return out
}

// ImportedNamespaces returns the set of top-level namespaces this cell
// imports.
func (c *Cell) ImportedNamespaces() map[string]struct{} {
	out := make(map[string]struct{})
	for _, imp := range c.Imports() {
		out[imp.Namespace] = struct{}{}
	}
	return out
}

// NamespaceToVariable returns the local name bound for an imported
// namespace, e.g. "plt" for `plt = import("matplotlib.pyplot")` when
// asked about "matplotlib". Returns "" if the namespace is not imported.
func (c *Cell) NamespaceToVariable(namespace string) string {
	for _, imp := range c.Imports() {
		if imp.Namespace == namespace {
			return imp.Definition
		}
	}
	return ""
}
