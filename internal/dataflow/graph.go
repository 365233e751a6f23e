// Package dataflow maintains the dependency graph over cells. Names are
// the edges: a cell that defines x is a parent of every cell that
// references x. The graph supports incremental edit (register,
// unregister, replace) without a full rebuild, and its maps are safe for
// concurrent reads while a run mutates state; every mutation is applied
// atomically under one lock acquisition.
package dataflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/thliang01/marimo/internal/cell"
)

// Graph maps variable names to their defining cell and referencing
// cells, and derives parent/child edges between cells from shared names.
type Graph struct {
	mu sync.RWMutex

	cells map[cell.ID]*cell.Cell
	// seq records registration order for deterministic scheduling.
	seq     map[cell.ID]int
	nextSeq int

	// definitions maps a name to the single cell that defines it.
	definitions map[string]cell.ID
	// references maps a name to the set of cells that read it.
	references map[string]map[cell.ID]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		cells:       make(map[cell.ID]*cell.Cell),
		seq:         make(map[cell.ID]int),
		definitions: make(map[string]cell.ID),
		references:  make(map[string]map[cell.ID]struct{}),
	}
}

// Register inserts a cell's definitions and references. If any defined
// name is already owned by a different cell, Register returns a
// *DefinitionConflict and leaves the graph unchanged. Cells that were
// already referencing one of the new definitions are marked stale: they
// have never run against the definer's output.
func (g *Graph) Register(c *cell.Cell) error {
	g.mu.Lock()
	newlyStale, err := g.registerLocked(c)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	// Observer notification happens outside the graph lock.
	for _, dep := range newlyStale {
		dep.SetStale(true)
	}
	return nil
}

func (g *Graph) registerLocked(c *cell.Cell) ([]*cell.Cell, error) {
	if _, exists := g.cells[c.ID]; exists {
		return nil, fmt.Errorf("cell %s is already registered", c.ID)
	}

	conflicts := make(map[string]cell.ID)
	for name := range c.Defs {
		if owner, ok := g.definitions[name]; ok && owner != c.ID {
			conflicts[name] = owner
		}
	}
	if len(conflicts) > 0 {
		return nil, &DefinitionConflict{Cell: c.ID, Conflicts: conflicts}
	}

	g.cells[c.ID] = c
	g.seq[c.ID] = g.nextSeq
	g.nextSeq++
	for name := range c.Defs {
		g.definitions[name] = c.ID
	}
	for name := range c.Refs {
		set, ok := g.references[name]
		if !ok {
			set = make(map[cell.ID]struct{})
			g.references[name] = set
		}
		set[c.ID] = struct{}{}
	}

	var newlyStale []*cell.Cell
	for name := range c.Defs {
		for refID := range g.references[name] {
			if refID == c.ID {
				continue
			}
			newlyStale = append(newlyStale, g.cells[refID])
		}
	}
	return newlyStale, nil
}

// Unregister removes a cell and every definitions/references entry it
// owns. Cells that referenced one of the removed definitions are marked
// stale: their inputs no longer exist.
func (g *Graph) Unregister(id cell.ID) (*cell.Cell, bool) {
	g.mu.Lock()
	removed, stale := g.unregisterLocked(id)
	g.mu.Unlock()
	if removed == nil {
		return nil, false
	}
	for _, dep := range stale {
		dep.SetStale(true)
	}
	return removed, true
}

func (g *Graph) unregisterLocked(id cell.ID) (*cell.Cell, []*cell.Cell) {
	c, ok := g.cells[id]
	if !ok {
		return nil, nil
	}

	var stale []*cell.Cell
	for name := range c.Defs {
		if g.definitions[name] == id {
			delete(g.definitions, name)
		}
		for refID := range g.references[name] {
			if refID != id {
				stale = append(stale, g.cells[refID])
			}
		}
	}
	for name := range c.Refs {
		if set, ok := g.references[name]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(g.references, name)
			}
		}
	}
	delete(g.cells, id)
	delete(g.seq, id)
	return c, stale
}

// Replace atomically swaps a new cell value in for an existing id. Edges
// are recomputed only for names that differ between the old and new
// cell. The replaced cell and its descendants are marked stale; a
// replacement with an identical content key is a no-op. On a definition
// conflict the graph is left unchanged.
func (g *Graph) Replace(oldID cell.ID, next *cell.Cell) error {
	if next.ID != oldID {
		return fmt.Errorf("replacement cell id %s does not match %s", next.ID, oldID)
	}

	g.mu.Lock()
	old, ok := g.cells[oldID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("cell %s is not registered", oldID)
	}

	// A byte-identical edit changes nothing; keep the registered cell
	// and leave descendants fresh.
	if old.Key == next.Key {
		g.mu.Unlock()
		return nil
	}

	conflicts := make(map[string]cell.ID)
	for name := range next.Defs {
		if _, kept := old.Defs[name]; kept {
			continue
		}
		if owner, exists := g.definitions[name]; exists && owner != oldID {
			conflicts[name] = owner
		}
	}
	if len(conflicts) > 0 {
		g.mu.Unlock()
		return &DefinitionConflict{Cell: oldID, Conflicts: conflicts}
	}

	for name := range old.Defs {
		if _, kept := next.Defs[name]; !kept && g.definitions[name] == oldID {
			delete(g.definitions, name)
		}
	}
	for name := range next.Defs {
		g.definitions[name] = oldID
	}
	for name := range old.Refs {
		if _, kept := next.Refs[name]; kept {
			continue
		}
		if set, ok := g.references[name]; ok {
			delete(set, oldID)
			if len(set) == 0 {
				delete(g.references, name)
			}
		}
	}
	for name := range next.Refs {
		if _, had := old.Refs[name]; had {
			continue
		}
		set, ok := g.references[name]
		if !ok {
			set = make(map[cell.ID]struct{})
			g.references[name] = set
		}
		set[oldID] = struct{}{}
	}
	g.cells[oldID] = next

	stale := []*cell.Cell{next}
	for id := range g.descendantsLocked(oldID) {
		stale = append(stale, g.cells[id])
	}
	g.mu.Unlock()

	for _, dep := range stale {
		dep.SetStale(true)
	}
	return nil
}

// Cell looks up a registered cell by id.
func (g *Graph) Cell(id cell.ID) (*cell.Cell, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.cells[id]
	return c, ok
}

// Cells returns every registered cell in registration order.
func (g *Graph) Cells() []*cell.Cell {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*cell.Cell, 0, len(g.cells))
	for _, c := range g.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return g.seq[out[i].ID] < g.seq[out[j].ID]
	})
	return out
}

// Definer returns the cell that defines name, if any.
func (g *Graph) Definer(name string) (cell.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.definitions[name]
	return id, ok
}

// Referencers returns the cells reading name, in registration order.
func (g *Graph) Referencers(name string) []cell.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortBySeqLocked(g.references[name])
}

// Parents returns the cells whose definitions this cell reads.
func (g *Graph) Parents(id cell.ID) []cell.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortBySeqLocked(g.parentsLocked(id))
}

// Children returns the cells that read this cell's definitions.
func (g *Graph) Children(id cell.ID) []cell.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortBySeqLocked(g.childrenLocked(id))
}

// SiblingsOf returns the cells that share at least one parent with this
// cell, in registration order, excluding the cell itself.
func (g *Graph) SiblingsOf(id cell.ID) []cell.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	siblings := make(map[cell.ID]struct{})
	for parent := range g.parentsLocked(id) {
		for child := range g.childrenLocked(parent) {
			if child != id {
				siblings[child] = struct{}{}
			}
		}
	}
	return g.sortBySeqLocked(siblings)
}

// Ancestors returns the transitive closure of Parents.
func (g *Graph) Ancestors(id cell.ID) map[cell.ID]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(id, g.parentsLocked)
}

// Descendants returns the transitive closure of Children.
func (g *Graph) Descendants(id cell.ID) map[cell.ID]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.descendantsLocked(id)
}

func (g *Graph) descendantsLocked(id cell.ID) map[cell.ID]struct{} {
	return g.closureLocked(id, g.childrenLocked)
}

// parentsLocked derives direct parents from shared names. A cell that
// both defines and references the same name does not become its own
// parent.
func (g *Graph) parentsLocked(id cell.ID) map[cell.ID]struct{} {
	c, ok := g.cells[id]
	if !ok {
		return nil
	}
	parents := make(map[cell.ID]struct{})
	for name := range c.Refs {
		if owner, exists := g.definitions[name]; exists && owner != id {
			parents[owner] = struct{}{}
		}
	}
	return parents
}

func (g *Graph) childrenLocked(id cell.ID) map[cell.ID]struct{} {
	c, ok := g.cells[id]
	if !ok {
		return nil
	}
	children := make(map[cell.ID]struct{})
	for name := range c.Defs {
		for refID := range g.references[name] {
			if refID != id {
				children[refID] = struct{}{}
			}
		}
	}
	return children
}

func (g *Graph) closureLocked(id cell.ID, step func(cell.ID) map[cell.ID]struct{}) map[cell.ID]struct{} {
	seen := make(map[cell.ID]struct{})
	frontier := []cell.ID{id}
	for len(frontier) > 0 {
		next := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for candidate := range step(next) {
			if _, visited := seen[candidate]; visited || candidate == id {
				continue
			}
			seen[candidate] = struct{}{}
			frontier = append(frontier, candidate)
		}
	}
	return seen
}

func (g *Graph) sortBySeqLocked(set map[cell.ID]struct{}) []cell.ID {
	out := make([]cell.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return g.seq[out[i]] < g.seq[out[j]]
	})
	return out
}

// TopologicalOrder returns the given subset (or, when subset is nil, all
// cells) ordered so every cell appears after all of its ancestors within
// the subset. Ties break by registration order, so repeated runs over
// the same graph are reproducible. A cycle yields a *CycleError naming
// its member cells rather than an infinite traversal.
func (g *Graph) TopologicalOrder(subset []cell.ID) ([]cell.ID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	include := make(map[cell.ID]struct{})
	if subset == nil {
		for id := range g.cells {
			include[id] = struct{}{}
		}
	} else {
		for _, id := range subset {
			if _, ok := g.cells[id]; ok {
				include[id] = struct{}{}
			}
		}
	}

	indegree := make(map[cell.ID]int, len(include))
	for id := range include {
		count := 0
		for parent := range g.parentsLocked(id) {
			if _, in := include[parent]; in {
				count++
			}
		}
		indegree[id] = count
	}

	var ready []cell.ID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]cell.ID, 0, len(include))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.seq[ready[i]] < g.seq[ready[j]]
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for child := range g.childrenLocked(id) {
			if _, in := include[child]; !in {
				continue
			}
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) < len(include) {
		return nil, &CycleError{Members: g.cycleMembersLocked(include, order)}
	}
	return order, nil
}

// cycleMembersLocked narrows the unordered remainder down to the cells
// actually participating in cycles by iteratively shaving nodes with no
// parents or no children inside the remainder.
func (g *Graph) cycleMembersLocked(include map[cell.ID]struct{}, ordered []cell.ID) []cell.ID {
	remaining := make(map[cell.ID]struct{}, len(include))
	for id := range include {
		remaining[id] = struct{}{}
	}
	for _, id := range ordered {
		delete(remaining, id)
	}

	for changed := true; changed; {
		changed = false
		for id := range remaining {
			hasParent := false
			for parent := range g.parentsLocked(id) {
				if _, in := remaining[parent]; in {
					hasParent = true
					break
				}
			}
			hasChild := false
			for child := range g.childrenLocked(id) {
				if _, in := remaining[child]; in {
					hasChild = true
					break
				}
			}
			if !hasParent || !hasChild {
				delete(remaining, id)
				changed = true
			}
		}
	}
	return g.sortBySeqLocked(remaining)
}
