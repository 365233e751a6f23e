package notebook

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/runner"
)

// Document is the serializable form of a notebook. It captures exactly
// what is needed to rebuild the session: cell order, names, source text,
// language, and per-cell configuration. Runtime state is deliberately
// absent; defs and refs are recomputed on load.
type Document struct {
	Version string   `yaml:"version"`
	Setup   string   `yaml:"setup,omitempty"`
	Cells   []Record `yaml:"cells"`
}

// Record is one cell in a Document.
type Record struct {
	Name     string        `yaml:"name"`
	Code     string        `yaml:"code"`
	Language string        `yaml:"language,omitempty"`
	Config   *ConfigRecord `yaml:"config,omitempty"`
}

// ConfigRecord mirrors cell.Config with only the explicitly set fields.
type ConfigRecord struct {
	Column   *int `yaml:"column,omitempty"`
	Disabled bool `yaml:"disabled,omitempty"`
	HideCode bool `yaml:"hide_code,omitempty"`
}

// DocumentVersion identifies the current serialization layout.
const DocumentVersion = "1"

// ExportIR snapshots the notebook into a Document.
func (nb *Notebook) ExportIR() *Document {
	doc := &Document{Version: DocumentVersion}
	if nb.setup != nil {
		doc.Setup = nb.setup.Code
	}
	for _, name := range nb.names {
		c, ok := nb.Cell(name)
		if !ok {
			continue
		}
		rec := Record{Name: name, Code: c.Code}
		if c.Language != cell.LangHCL {
			rec.Language = string(c.Language)
		}
		cfg := c.Config()
		if cfg.Column != nil || cfg.Disabled || cfg.HideCode {
			rec.Config = &ConfigRecord{
				Column:   cfg.Column,
				Disabled: cfg.Disabled,
				HideCode: cfg.HideCode,
			}
		}
		doc.Cells = append(doc.Cells, rec)
	}
	return doc
}

// Encode serializes the Document to YAML.
func (d *Document) Encode() ([]byte, error) {
	return yaml.Marshal(d)
}

// DecodeDocument parses a YAML Document.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding notebook document: %w", err)
	}
	if doc.Version != "" && doc.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported document version %q", doc.Version)
	}
	return &doc, nil
}

// Build reassembles a live notebook from a Document. Cell identities
// are fresh; static facts are recomputed from the recorded source.
func Build(ctx context.Context, doc *Document, opts ...runner.Option) (*Notebook, error) {
	return LoadSource(ctx, []byte(renderHCL(doc)), "document.nb.hcl", opts...)
}

// renderHCL writes the Document back out as a notebook file. Cell
// source goes into indented heredocs so the output stays readable.
func renderHCL(doc *Document) string {
	var b strings.Builder
	if doc.Setup != "" {
		b.WriteString("setup {\n")
		writeCodeAttr(&b, doc.Setup)
		b.WriteString("}\n\n")
	}
	for i, rec := range doc.Cells {
		fmt.Fprintf(&b, "cell %q {\n", rec.Name)
		writeCodeAttr(&b, rec.Code)
		if rec.Language != "" {
			fmt.Fprintf(&b, "  language = %q\n", rec.Language)
		}
		if rec.Config != nil {
			b.WriteString("  config {\n")
			if rec.Config.Column != nil {
				fmt.Fprintf(&b, "    column = %d\n", *rec.Config.Column)
			}
			if rec.Config.Disabled {
				b.WriteString("    disabled = true\n")
			}
			if rec.Config.HideCode {
				b.WriteString("    hide_code = true\n")
			}
			b.WriteString("  }\n")
		}
		b.WriteString("}\n")
		if i != len(doc.Cells)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func writeCodeAttr(b *strings.Builder, code string) {
	marker := heredocMarker(code)
	fmt.Fprintf(b, "  code = <<-%s\n", marker)
	for _, line := range strings.Split(strings.TrimRight(code, "\n"), "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "  %s\n", marker)
}

// heredocMarker picks a terminator no line of the code can close early.
// Indentation does not protect a marker inside a <<- heredoc, so the
// comparison ignores leading whitespace.
func heredocMarker(code string) string {
	marker := "EOT"
	for {
		collides := false
		for _, line := range strings.Split(code, "\n") {
			if strings.TrimSpace(line) == marker {
				collides = true
				break
			}
		}
		if !collides {
			return marker
		}
		marker += "T"
	}
}
