package runner

import (
	"fmt"

	"github.com/thliang01/marimo/internal/cell"
)

// ExecutionError wraps a failure raised by a cell's own code. It is
// caught per cell, recorded as an exception status, and propagated as
// cancellation to the cell's dependents in the same run.
type ExecutionError struct {
	CellID cell.ID
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cell %s: %s", e.CellID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// InterruptedError reports a user-initiated cancellation. The cell named
// is the one that was running when the interrupt was observed; cells
// scheduled after it were abandoned without executing.
type InterruptedError struct {
	CellID cell.ID
}

func (e *InterruptedError) Error() string {
	if e.CellID == "" {
		return "run interrupted"
	}
	return fmt.Sprintf("run interrupted while cell %s was executing", e.CellID)
}

// UnboundNameError reports a reference that no registered cell defines
// and no override supplies.
type UnboundNameError struct {
	CellID cell.ID
	Name   string
}

func (e *UnboundNameError) Error() string {
	return fmt.Sprintf("cell %s references %q, which nothing defines", e.CellID, e.Name)
}
