// Package notebook loads notebook files, compiles their cells, and
// assembles the graph and runner for a session. A notebook file is an
// HCL document holding an optional setup block and a sequence of named
// cell blocks; each cell's source lives in a heredoc string so the file
// itself stays a valid, formattable document.
package notebook

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/thliang01/marimo/internal/callable"
	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/dataflow"
	"github.com/thliang01/marimo/internal/runner"
)

// SetupName is the reserved name of the setup cell.
const SetupName = "setup"

type configSchema struct {
	Column   *int  `hcl:"column,optional"`
	Disabled *bool `hcl:"disabled,optional"`
	HideCode *bool `hcl:"hide_code,optional"`
}

type cellSchema struct {
	Name      string        `hcl:"name,label"`
	Code      string        `hcl:"code"`
	Language  string        `hcl:"language,optional"`
	Signature []string      `hcl:"signature,optional"`
	Config    *configSchema `hcl:"config,block"`
}

type setupSchema struct {
	Code string `hcl:"code"`
}

type fileSchema struct {
	Setup *setupSchema  `hcl:"setup,block"`
	Cells []*cellSchema `hcl:"cell,block"`
	Body  hcl.Body      `hcl:",remain"`
}

// Notebook is a loaded notebook: its dependency graph, its runner, and
// the name-to-cell bookkeeping needed to address cells.
type Notebook struct {
	Graph  *dataflow.Graph
	Runner *runner.Runner

	setup      *cell.Cell
	names      []string
	byName     map[string]cell.ID
	signatures map[string][]string
}

// Load reads and assembles a notebook from a file path.
func Load(ctx context.Context, path string, opts ...runner.Option) (*Notebook, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing notebook %s: %w", path, diags)
	}
	return assemble(ctx, path, file.Body, opts...)
}

// LoadSource assembles a notebook from in-memory source, for tests and
// embedded documents.
func LoadSource(ctx context.Context, src []byte, filename string, opts ...runner.Option) (*Notebook, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing notebook %s: %w", filename, diags)
	}
	return assemble(ctx, filename, file.Body, opts...)
}

func assemble(ctx context.Context, filename string, body hcl.Body, opts ...runner.Option) (*Notebook, error) {
	var doc fileSchema
	if diags := gohcl.DecodeBody(body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decoding notebook %s: %w", filename, diags)
	}

	nb := &Notebook{
		Graph:      dataflow.New(),
		byName:     make(map[string]cell.ID),
		signatures: make(map[string][]string),
	}
	logger := ctxlog.FromContext(ctx)

	if doc.Setup != nil {
		c, cerr := cell.Compile(cell.NewID(), doc.Setup.Code, cell.CompileOptions{
			Filename: fmt.Sprintf("%s#%s", filename, SetupName),
		})
		if cerr != nil {
			return nil, fmt.Errorf("setup cell: %w", cerr)
		}
		if err := nb.Graph.Register(c); err != nil {
			return nil, err
		}
		nb.setup = c
	}

	for _, cs := range doc.Cells {
		if cs.Name == SetupName {
			return nil, fmt.Errorf("cell name %q is reserved", SetupName)
		}
		if _, dup := nb.byName[cs.Name]; dup {
			return nil, fmt.Errorf("duplicate cell name %q", cs.Name)
		}

		src := cell.Code(cs.Code)
		if cs.Language == string(cell.LangSQL) {
			src = cell.Query(cs.Code)
		}
		c, cerr := cell.CompileSource(cell.NewID(), src, cell.CompileOptions{
			Filename: fmt.Sprintf("%s#%s", filename, cs.Name),
		})
		if cerr != nil {
			// Invalid cells still join the graph; running one reports
			// the compile failure as that cell's result.
			logger.Warn("cell failed to compile", "cell", cs.Name, "error", cerr)
		}
		if cs.Config != nil {
			applyConfig(ctx, c, cs.Config)
		}
		if err := nb.Graph.Register(c); err != nil {
			return nil, fmt.Errorf("cell %q: %w", cs.Name, err)
		}
		nb.names = append(nb.names, cs.Name)
		nb.byName[cs.Name] = c.ID
		if cs.Signature != nil {
			nb.signatures[cs.Name] = cs.Signature
		}
	}

	nb.Runner = runner.New(nb.Graph, opts...)
	return nb, nil
}

func applyConfig(ctx context.Context, c *cell.Cell, cs *configSchema) {
	update := make(map[string]any)
	if cs.Column != nil {
		update["column"] = *cs.Column
	}
	if cs.Disabled != nil {
		update["disabled"] = *cs.Disabled
	}
	if cs.HideCode != nil {
		update["hide_code"] = *cs.HideCode
	}
	c.Configure(ctx, update)
}

// Setup returns the setup cell, or nil when the notebook has none.
func (nb *Notebook) Setup() *cell.Cell { return nb.setup }

// CellNames returns cell names in document order.
func (nb *Notebook) CellNames() []string {
	out := make([]string, len(nb.names))
	copy(out, nb.names)
	return out
}

// Cell looks a cell up by its document name.
func (nb *Notebook) Cell(name string) (*cell.Cell, bool) {
	id, ok := nb.byName[name]
	if !ok {
		return nil, false
	}
	return nb.Graph.Cell(id)
}

// Bound wraps the named cell for direct invocation.
func (nb *Notebook) Bound(name string, opts ...func(*callable.Options)) (*callable.BoundCell, error) {
	c, ok := nb.Cell(name)
	if !ok {
		return nil, fmt.Errorf("no cell named %q", name)
	}
	o := callable.Options{
		Setup:             nb.setup,
		ExpectedSignature: nb.signatures[name],
	}
	for _, opt := range opts {
		opt(&o)
	}
	return callable.Bind(name, c, nb.Graph, nb.Runner, o), nil
}

// Run executes every runnable cell in dependency order.
func (nb *Notebook) Run(ctx context.Context) (*runner.Result, error) {
	return nb.Runner.RunAll(ctx, nil)
}

// Defs returns every top-level name the notebook defines, sorted, with
// its owning cell's document name. Temporaries are excluded by
// construction.
func (nb *Notebook) Defs() map[string]string {
	out := make(map[string]string)
	for name, id := range nb.byName {
		c, ok := nb.Graph.Cell(id)
		if !ok {
			continue
		}
		for def := range c.Defs {
			out[def] = name
		}
	}
	return out
}

// WriteFile renders the notebook back to its file form.
func (nb *Notebook) WriteFile(path string) error {
	doc := nb.ExportIR()
	return os.WriteFile(path, []byte(renderHCL(doc)), 0o644)
}

// Values snapshots current top-level bindings for the given names.
func (nb *Notebook) Values(names ...string) map[string]cty.Value {
	out := make(map[string]cty.Value, len(names))
	for _, name := range names {
		if v, ok := nb.Runner.Value(name); ok {
			out[name] = v
		}
	}
	return out
}
