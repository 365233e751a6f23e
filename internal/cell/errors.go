package cell

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// AnalysisError reports source that could not be parsed. The cell still
// registers with empty defs and refs and Invalid set, so one broken cell
// never aborts a session.
type AnalysisError struct {
	CellID ID
	Diags  hcl.Diagnostics
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("cell %s: invalid syntax: %s", e.CellID, e.Diags.Error())
}

func (e *AnalysisError) Unwrap() error {
	return e.Diags
}
