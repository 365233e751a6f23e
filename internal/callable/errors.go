package callable

import "fmt"

// ArgumentMismatchError reports a positional call whose arguments do
// not line up with the cell's computed argument list.
type ArgumentMismatchError struct {
	Name     string
	Expected int
	Given    int
	Detail   string
}

func (e *ArgumentMismatchError) Error() string {
	if e.Expected == 0 && e.Given == 0 && e.Detail != "" {
		return fmt.Sprintf("%s(): %s", e.Name, e.Detail)
	}
	msg := fmt.Sprintf("%s() takes %d positional arguments but %d were given", e.Name, e.Expected, e.Given)
	if e.Detail != "" {
		msg += "; " + e.Detail
	}
	return msg
}
