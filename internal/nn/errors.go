package nn

import (
	"fmt"

	"distributed-dreamer-rl/internal/autograd"
)

// ShapeError reports an input whose size disagrees with a component's
// declared dimensions. It is not recoverable.
type ShapeError struct {
	Component string
	Input     string
	Want      int
	Got       int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s has size %d, want %d", e.Component, e.Input, e.Got, e.Want)
}

// CheckCols returns a ShapeError unless v has want columns.
func CheckCols(component, input string, v *autograd.Var, want int) error {
	if got := v.Cols(); got != want {
		return &ShapeError{Component: component, Input: input, Want: want, Got: got}
	}
	return nil
}

// CheckRows returns a ShapeError unless v has want rows.
func CheckRows(component, input string, v *autograd.Var, want int) error {
	if got := v.Rows(); got != want {
		return &ShapeError{Component: component, Input: input + " rows", Want: want, Got: got}
	}
	return nil
}
