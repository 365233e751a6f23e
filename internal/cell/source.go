package cell

// SourceKind distinguishes the dialects a cell can be written in.
type SourceKind int

const (
	// SourceCode is the ordinary expression dialect.
	SourceCode SourceKind = iota
	// SourceQuery is an embedded-query cell: the whole text is SQL.
	SourceQuery
)

// Source is a tagged source variant. The analyzer consumes both kinds
// uniformly: either yields (defs, refs) plus the compiled forms the
// scheduler needs.
type Source struct {
	Kind SourceKind
	Text string
}

// Code wraps plain expression source.
func Code(text string) Source {
	return Source{Kind: SourceCode, Text: text}
}

// Query wraps embedded-query source.
func Query(text string) Source {
	return Source{Kind: SourceQuery, Text: text}
}
