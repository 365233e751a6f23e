package dataflow

// ImportTriple is the package-name resolution contract consumed by the
// package-manager collaborator: the imported module, its top-level
// namespace, and the local alias it is bound to.
type ImportTriple struct {
	Module    string
	Namespace string
	Alias     string
}

// ImportTriples collects import provenance across all cells in
// registration order, deduplicated by (module, alias).
func (g *Graph) ImportTriples() []ImportTriple {
	var out []ImportTriple
	seen := make(map[ImportTriple]struct{})
	for _, c := range g.Cells() {
		for _, imp := range c.Imports() {
			triple := ImportTriple{
				Module:    imp.Module,
				Namespace: imp.Namespace,
				Alias:     imp.Definition,
			}
			if _, dup := seen[triple]; dup {
				continue
			}
			seen[triple] = struct{}{}
			out = append(out, triple)
		}
	}
	return out
}
