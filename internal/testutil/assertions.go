package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// AssertCellStatus checks the rendered output for a cell's final
// status line. It keys on the display format rather than internal ids,
// keeping tests resilient to refactoring.
func AssertCellStatus(t *testing.T, result *HarnessResult, status, cellName string) {
	t.Helper()

	expected := fmt.Sprintf("[%s] %s", status, cellName)
	require.True(t,
		strings.Contains(result.Output, expected),
		"expected output line %q was not found in:\n%s", expected, result.Output,
	)
}

// AssertValue checks a top-level binding in the harness app's first
// notebook.
func AssertValue(t *testing.T, result *HarnessResult, name string, want cty.Value) {
	t.Helper()

	require.NotNil(t, result.App, "app did not start")
	got, ok := result.App.Notebook().Runner.Value(name)
	require.True(t, ok, "no binding for %q", name)
	require.True(t, want.RawEquals(got), "binding %q = %#v, want %#v", name, got, want)
}
