package core_execution

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/thliang01/marimo/internal/app"
	"github.com/thliang01/marimo/internal/testutil"
)

func TestFullNotebookRun(t *testing.T) {
	source := `
setup {
  code = "base = 10"
}

cell "produce" {
  code = <<-EOT
    x = base * 2
  EOT
}

cell "consume" {
  code = <<-EOT
    y = x + 1
  EOT
}
`
	result := testutil.RunNotebookTest(t, source)
	require.NoError(t, result.Err)

	testutil.AssertCellStatus(t, result, "success", "produce")
	testutil.AssertCellStatus(t, result, "success", "consume")
	testutil.AssertValue(t, result, "y", cty.NumberIntVal(21))

	// The session log records every state transition.
	assert.Contains(t, result.LogOutput, "Cell state changed.")
}

func TestCellsRunInDependencyOrderNotDocumentOrder(t *testing.T) {
	source := `
cell "late" {
  code = "z = w + 1"
}

cell "early" {
  code = "w = 1"
}
`
	result := testutil.RunNotebookTest(t, source)
	require.NoError(t, result.Err)

	testutil.AssertValue(t, result, "z", cty.NumberIntVal(2))
	assert.Less(t,
		indexOf(t, result.Output, "[success] early"),
		indexOf(t, result.Output, "[success] late"),
		"the definer must run before its reader")
}

func TestSelectedCellRunsItsDescendants(t *testing.T) {
	source := `
cell "root" {
  code = "a = 1"
}

cell "mid" {
  code = "b = a + 1"
}

cell "leaf" {
  code = "c = b + 1"
}
`
	result := testutil.RunNotebookTest(t, source, func(cfg *app.Config) {
		cfg.CellNames = []string{"mid"}
	})
	require.NoError(t, result.Err)

	testutil.AssertCellStatus(t, result, "success", "mid")
	testutil.AssertCellStatus(t, result, "success", "leaf")
	testutil.AssertValue(t, result, "c", cty.NumberIntVal(3))
}

func TestUserFunctionsCrossCells(t *testing.T) {
	source := `
cell "define" {
  code = <<-EOT
    def "triple" {
      params = ["v"]
      result = v * 3
    }
  EOT
}

cell "use" {
  code = "n = triple(14)"
}
`
	result := testutil.RunNotebookTest(t, source)
	require.NoError(t, result.Err)
	testutil.AssertValue(t, result, "n", cty.NumberIntVal(42))
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "%q not found in output:\n%s", needle, haystack)
	return idx
}
