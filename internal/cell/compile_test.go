package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, code string) *Cell {
	t.Helper()
	c, err := Compile(NewID(), code, CompileOptions{})
	require.NoError(t, err)
	return c
}

func names(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func TestCompile_DefsAndRefs(t *testing.T) {
	testCases := []struct {
		name         string
		code         string
		expectedDefs []string
		expectedRefs []string
	}{
		{
			name:         "simple assignment",
			code:         "y = x + 1",
			expectedDefs: []string{"y"},
			expectedRefs: []string{"x"},
		},
		{
			name:         "sequential scoping",
			code:         "a = 1\nb = a + c",
			expectedDefs: []string{"a", "b"},
			expectedRefs: []string{"c"},
		},
		{
			name:         "function call is a ref",
			code:         "y = f(x)",
			expectedDefs: []string{"y"},
			expectedRefs: []string{"f", "x"},
		},
		{
			name:         "builtin call is not a ref",
			code:         "y = upper(x)",
			expectedDefs: []string{"y"},
			expectedRefs: []string{"x"},
		},
		{
			name:         "for expression scopes its iterator",
			code:         "doubled = [for v in items : v * 2]",
			expectedDefs: []string{"doubled"},
			expectedRefs: []string{"items"},
		},
		{
			name:         "no refs",
			code:         "x = 42",
			expectedDefs: []string{"x"},
			expectedRefs: []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustCompile(t, tc.code)
			assert.ElementsMatch(t, tc.expectedDefs, names(c.Defs))
			assert.ElementsMatch(t, tc.expectedRefs, names(c.Refs))
		})
	}
}

func TestCompile_Temporaries(t *testing.T) {
	c := mustCompile(t, "_tmp = x\ny = _tmp + 1")

	assert.ElementsMatch(t, []string{"y"}, names(c.Defs))
	assert.ElementsMatch(t, []string{"x"}, names(c.Refs))
	assert.ElementsMatch(t, []string{"_tmp"}, names(c.Temporaries))
}

func TestCompile_UnderscoreRefNeverCrossesCells(t *testing.T) {
	// Reading an underscore name that this cell never bound still does
	// not become a cross-cell ref.
	c := mustCompile(t, "y = _hidden + 1")
	assert.Empty(t, c.Refs)
}

func TestCompile_Imports(t *testing.T) {
	t.Run("single import records provenance", func(t *testing.T) {
		c := mustCompile(t, `np = import("numpy.linalg")`)

		require.Len(t, c.Imports(), 1)
		imp := c.Imports()[0]
		assert.Equal(t, "numpy.linalg", imp.Module)
		assert.Equal(t, "np", imp.Definition)
		assert.Equal(t, "numpy", imp.Namespace)
		assert.True(t, c.ImportWorkspace().IsImportBlock)
	})

	t.Run("all-import cell is an import block", func(t *testing.T) {
		c := mustCompile(t, "a = import(\"mod_a\")\nb = import(\"mod_b\")")
		assert.True(t, c.ImportWorkspace().IsImportBlock)
	})

	t.Run("mixed cell is not an import block", func(t *testing.T) {
		c := mustCompile(t, "a = import(\"mod_a\")\nx = 1")
		assert.False(t, c.ImportWorkspace().IsImportBlock)
	})

	t.Run("dynamic module path is invisible", func(t *testing.T) {
		c := mustCompile(t, "m = import(path)")
		assert.Empty(t, c.Imports())
		assert.ElementsMatch(t, []string{"path"}, names(c.Refs))
	})
}

func TestCompile_Deletions(t *testing.T) {
	c := mustCompile(t, `_ = del("old")`)

	assert.ElementsMatch(t, []string{"old"}, names(c.DeletedRefs))
	// A deletion reads the name: it must order after the definer.
	assert.ElementsMatch(t, []string{"old"}, names(c.Refs))
	assert.Empty(t, c.Defs)
}

func TestCompile_Coroutine(t *testing.T) {
	assert.True(t, mustCompile(t, "x = sleep(100)").IsCoroutine())
	assert.True(t, mustCompile(t, `r = fetch("http://localhost/")`).IsCoroutine())
	assert.False(t, mustCompile(t, "x = 1").IsCoroutine())
}

func TestCompile_EmbeddedQuery(t *testing.T) {
	c := mustCompile(t, `t = sql("CREATE TABLE agg AS SELECT * FROM src")`)

	assert.ElementsMatch(t, []string{"t", "agg"}, names(c.Defs))
	assert.ElementsMatch(t, []string{"src"}, names(c.Refs))
	assert.Equal(t, LangSQL, c.Language)

	data, ok := c.VariableData["agg"]
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, KindTable, data[0].Kind)
}

func TestCompileSource_Query(t *testing.T) {
	c, err := CompileSource(NewID(), Query("CREATE TABLE out AS SELECT * FROM src"), CompileOptions{})
	require.NoError(t, err)

	assert.Equal(t, LangSQL, c.Language)
	assert.ElementsMatch(t, []string{"out"}, names(c.Defs))
	assert.ElementsMatch(t, []string{"src"}, names(c.Refs))
	assert.Nil(t, c.Tree)
}

func TestCompile_FunctionDef(t *testing.T) {
	c := mustCompile(t, `
def "double" {
  params = ["v"]
  result = v * scale
}
`)

	assert.ElementsMatch(t, []string{"double"}, names(c.Defs))
	// The parameter is locally scoped; only the free name leaks out.
	assert.ElementsMatch(t, []string{"scale"}, names(c.Refs))

	tv := c.ToplevelVariable()
	require.NotNil(t, tv)
	assert.Equal(t, KindFunction, tv.Kind)
}

func TestCompile_ToplevelVariableRequiresSoleDef(t *testing.T) {
	c := mustCompile(t, `
x = 1

def "double" {
  params = ["v"]
  result = v * 2
}
`)
	assert.Nil(t, c.ToplevelVariable())
}

func TestCompile_LastExpression(t *testing.T) {
	c := mustCompile(t, "x = 1\ny = x * 2")

	require.NotNil(t, c.LastExpr)
	assert.Equal(t, "y", c.LastExpr.Name)
	require.Len(t, c.Body, 1)
	assert.Equal(t, "x", c.Body[0].Name)
}

func TestCompile_SyntaxError(t *testing.T) {
	c, err := Compile(NewID(), "x = (", CompileOptions{})

	require.Error(t, err)
	var analysisErr *AnalysisError
	require.ErrorAs(t, err, &analysisErr)

	// The cell is still usable: it registers with empty facts so the
	// session does not abort.
	require.NotNil(t, c)
	assert.True(t, c.Invalid)
	assert.Empty(t, c.Defs)
	assert.Empty(t, c.Refs)
}

func TestContentKey(t *testing.T) {
	k1 := ContentKey("x = 1")
	k2 := ContentKey("x = 1")
	k3 := ContentKey("x = 2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
