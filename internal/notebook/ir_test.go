package notebook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportIR(t *testing.T) {
	nb := load(t, `
setup {
  code = "base = 1"
}

cell "calc" {
  code = "x = base + 1"
}

cell "query" {
  code     = "SELECT * FROM raw"
  language = "sql"
}

cell "off" {
  code = "y = 2"
  config {
    disabled = true
  }
}
`)
	doc := nb.ExportIR()

	assert.Equal(t, DocumentVersion, doc.Version)
	assert.Equal(t, "base = 1", doc.Setup)
	require.Len(t, doc.Cells, 3)

	assert.Equal(t, "calc", doc.Cells[0].Name)
	assert.Empty(t, doc.Cells[0].Language)
	assert.Nil(t, doc.Cells[0].Config)

	assert.Equal(t, "sql", doc.Cells[1].Language)

	require.NotNil(t, doc.Cells[2].Config)
	assert.True(t, doc.Cells[2].Config.Disabled)
}

func TestDocument_YAMLRoundTrip(t *testing.T) {
	nb := load(t, basicNotebook)
	doc := nb.ExportIR()

	data, err := doc.Encode()
	require.NoError(t, err)

	decoded, err := DecodeDocument(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Version, decoded.Version)
	require.Len(t, decoded.Cells, len(doc.Cells))
	for i := range doc.Cells {
		assert.Equal(t, doc.Cells[i].Name, decoded.Cells[i].Name)
		assert.Equal(t, doc.Cells[i].Language, decoded.Cells[i].Language)
	}
}

func TestDecodeDocument_UnsupportedVersion(t *testing.T) {
	_, err := DecodeDocument([]byte("version: \"99\"\ncells: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported document version")
}

func TestBuild_RecoversStaticFacts(t *testing.T) {
	original := load(t, basicNotebook)
	doc := original.ExportIR()

	rebuilt, err := Build(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, original.CellNames(), rebuilt.CellNames())
	require.NotNil(t, rebuilt.Setup())

	for _, name := range original.CellNames() {
		oc, ok := original.Cell(name)
		require.True(t, ok)
		rc, ok := rebuilt.Cell(name)
		require.True(t, ok)

		assert.Equal(t, oc.Defs, rc.Defs, "defs of %q", name)
		assert.Equal(t, oc.Refs, rc.Refs, "refs of %q", name)
		assert.Equal(t, oc.Language, rc.Language, "language of %q", name)
		// Identities are fresh on rebuild.
		assert.NotEqual(t, oc.ID, rc.ID)
	}

	result, err := rebuilt.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.FirstError)
	y, _ := rebuilt.Values("y")["y"].AsBigFloat().Int64()
	assert.EqualValues(t, 22, y)
}

func TestRenderHCL_CodeContainingMarkerLine(t *testing.T) {
	// A nested heredoc puts a bare EOT line inside the cell source; the
	// renderer must pick a terminator that cannot close early.
	doc := &Document{
		Version: DocumentVersion,
		Cells: []Record{{
			Name: "tricky",
			Code: "s = <<-INNER\nEOT\nINNER\n",
		}},
	}

	rendered := renderHCL(doc)
	assert.Contains(t, rendered, "<<-EOTT")

	rebuilt, err := Build(context.Background(), doc)
	require.NoError(t, err)

	c, ok := rebuilt.Cell("tricky")
	require.True(t, ok)
	assert.Contains(t, c.Defs, "s")
	assert.Contains(t, c.Code, "EOT")
}

func TestRenderHCL_ConfigSurvives(t *testing.T) {
	original := load(t, `
cell "off" {
  code = "x = 1"
  config {
    disabled = true
    column   = 2
  }
}
`)
	rebuilt, err := Build(context.Background(), original.ExportIR())
	require.NoError(t, err)

	c, ok := rebuilt.Cell("off")
	require.True(t, ok)
	assert.True(t, c.Disabled())
	require.NotNil(t, c.Config().Column)
	assert.Equal(t, 2, *c.Config().Column)
}
