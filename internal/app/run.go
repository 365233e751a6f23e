package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/notebook"
	"github.com/thliang01/marimo/internal/runner"
)

// Run executes the loaded notebooks per the App's configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	var firstErr error
	for i, nb := range a.notebooks {
		if in := a.installer(); in != nil {
			if err := in.InstallMissing(ctx, nb.Graph, nil); err != nil {
				a.logger.Warn("Some packages could not be installed.", "error", err)
			}
		}

		if len(a.notebooks) > 1 {
			fmt.Fprintf(a.outW, "== %s\n", a.paths[i])
		}
		result, err := a.runCells(ctx, nb)
		if err != nil {
			return fmt.Errorf("execution failed: %w", err)
		}
		a.render(nb, result)
		if firstErr == nil {
			firstErr = result.FirstError
		}
	}

	if a.config.ExportPath != "" {
		if err := a.export(); err != nil {
			return fmt.Errorf("failed to export notebook: %w", err)
		}
		a.logger.Info("Notebook exported.", "path", a.config.ExportPath)
	}

	a.logger.Debug("App.Run method finished.")
	return firstErr
}

func (a *App) runCells(ctx context.Context, nb *notebook.Notebook) (*runner.Result, error) {
	if len(a.config.CellNames) == 0 {
		a.logger.Info("Running all cells.")
		return nb.Run(ctx)
	}

	var roots []cell.ID
	for _, name := range a.config.CellNames {
		c, ok := nb.Cell(name)
		if !ok {
			return nil, fmt.Errorf("no cell named %q", name)
		}
		roots = append(roots, c.ID)
	}
	a.logger.Info("Running selected cells and their descendants.", "cells", a.config.CellNames)
	return nb.Runner.RunSubgraph(ctx, roots, nil)
}

// render prints each scheduled cell's status and output in run order,
// then the cells excluded from execution (disabled and blocked ones) in
// document order.
func (a *App) render(nb *notebook.Notebook, result *runner.Result) {
	names := idToName(nb)
	display := func(id cell.ID) string {
		if name := names[id]; name != "" {
			return name
		}
		return string(id)
	}

	executed := make(map[cell.ID]struct{}, len(result.Order))
	for _, id := range result.Order {
		executed[id] = struct{}{}
		fmt.Fprintf(a.outW, "[%s] %s\n", result.Statuses[id], display(id))
		out, ok := result.Outputs[id]
		if !ok || out == cty.NilVal || out.IsNull() {
			continue
		}
		fmt.Fprintf(a.outW, "%s\n", renderValue(out))
	}
	for _, c := range nb.Graph.Cells() {
		if _, ran := executed[c.ID]; ran {
			continue
		}
		if status, ok := result.Statuses[c.ID]; ok {
			fmt.Fprintf(a.outW, "[%s] %s\n", status, display(c.ID))
		}
	}
	if result.Interrupted {
		fmt.Fprintln(a.outW, "run interrupted; remaining cells not executed")
	}
}

// export writes the serialized notebook. It is restricted to
// single-notebook sessions; a directory run has no single document to
// write.
func (a *App) export() error {
	if len(a.notebooks) != 1 {
		return errors.New("export requires a single notebook path, not a directory")
	}
	data, err := a.notebooks[0].ExportIR().Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(a.config.ExportPath, data, 0o644)
}

func idToName(nb *notebook.Notebook) map[cell.ID]string {
	out := make(map[cell.ID]string)
	for _, name := range nb.CellNames() {
		if c, ok := nb.Cell(name); ok {
			out[c.ID] = name
		}
	}
	return out
}

// renderValue formats a cty value for terminal display. JSON keeps
// structured values readable without a dedicated formatter.
func renderValue(v cty.Value) string {
	if !v.IsWhollyKnown() {
		return "(unknown)"
	}
	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return v.GoString()
	}
	return string(data)
}
