package dataflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thliang01/marimo/internal/cell"
)

// DefinitionConflict reports an attempt to register a cell whose
// definitions collide with names already owned by other cells. The graph
// is left unchanged; resolution policy belongs to the caller.
type DefinitionConflict struct {
	// Cell is the id of the cell that failed to register.
	Cell cell.ID
	// Conflicts maps each colliding name to the cell that owns it.
	Conflicts map[string]cell.ID
}

func (e *DefinitionConflict) Error() string {
	names := make([]string, 0, len(e.Conflicts))
	for name := range e.Conflicts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%q (defined by cell %s)", name, e.Conflicts[name]))
	}
	return fmt.Sprintf("cell %s redefines %s", e.Cell, strings.Join(parts, ", "))
}

// CycleError reports that a topological order could not be produced.
// Members holds the cells participating in the cycle (and any paths
// connecting multiple cycles), in registration order.
type CycleError struct {
	Members []cell.ID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Members))
	for i, id := range e.Members {
		parts[i] = string(id)
	}
	return fmt.Sprintf("cycle detected among cells: %s", strings.Join(parts, ", "))
}
